package receiver

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/buger/jsonparser"

	"github.com/szibis/event-courier/internal/event"
)

const (
	fieldPayload = iota
	fieldPersistence
	fieldLatency
	fieldSampleRate
	fieldDeviceID
	fieldTicketIDs
)

var envelopePaths = [][]string{
	fieldPayload:     {"payload"},
	fieldPersistence: {"persistence"},
	fieldLatency:     {"latency"},
	fieldSampleRate:  {"sample_rate"},
	fieldDeviceID:    {"device_id"},
	fieldTicketIDs:   {"ticket_ids"},
}

var (
	errNotObject      = errors.New("envelope is not a JSON object")
	errMissingPayload = errors.New("envelope has no payload")
)

// decodeEnvelope turns one NDJSON line into an event. A payload given as a
// JSON object or array is kept as its raw text.
func decodeEnvelope(line []byte) (event.Event, error) {
	ev := event.Event{SampleRate: event.SampleRateUnspecified}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return ev, errNotObject
	}

	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	jsonparser.EachKey(line, func(idx int, value []byte, vt jsonparser.ValueType, err error) {
		if err != nil {
			fail(err)
			return
		}
		switch idx {
		case fieldPayload:
			switch vt {
			case jsonparser.String:
				s, err := jsonparser.ParseString(value)
				if err != nil {
					fail(fmt.Errorf("payload: %w", err))
					return
				}
				ev.Payload = s
			case jsonparser.Object, jsonparser.Array:
				ev.Payload = string(value)
			default:
				fail(fmt.Errorf("payload must be a string or object, got %s", vt))
			}
		case fieldPersistence:
			s, err := stringValue(value, vt)
			if err == nil {
				ev.Persistence, err = event.ParsePersistence(s)
			}
			if err != nil {
				fail(fmt.Errorf("persistence: %w", err))
			}
		case fieldLatency:
			s, err := stringValue(value, vt)
			if err == nil {
				ev.Latency, err = event.ParseLatency(s)
			}
			if err != nil {
				fail(fmt.Errorf("latency: %w", err))
			}
		case fieldSampleRate:
			if vt == jsonparser.Null {
				return
			}
			if vt != jsonparser.Number {
				fail(fmt.Errorf("sample_rate must be a number, got %s", vt))
				return
			}
			rate, err := jsonparser.ParseFloat(value)
			if err != nil {
				fail(fmt.Errorf("sample_rate: %w", err))
				return
			}
			if rate < 0 || rate > event.SampleRateNoSampling {
				fail(fmt.Errorf("sample_rate %g outside [0,100]", rate))
				return
			}
			ev.SampleRate = rate
		case fieldDeviceID:
			s, err := stringValue(value, vt)
			if err != nil {
				fail(fmt.Errorf("device_id: %w", err))
				return
			}
			ev.DeviceID = s
		case fieldTicketIDs:
			ids, err := ticketIDs(value, vt)
			if err != nil {
				fail(fmt.Errorf("ticket_ids: %w", err))
				return
			}
			ev.TicketIDs = ids
		}
	}, envelopePaths...)

	if firstErr != nil {
		return ev, firstErr
	}
	if ev.Payload == "" {
		return ev, errMissingPayload
	}
	return ev, nil
}

func stringValue(value []byte, vt jsonparser.ValueType) (string, error) {
	switch vt {
	case jsonparser.Null:
		return "", nil
	case jsonparser.String:
		return jsonparser.ParseString(value)
	default:
		return "", fmt.Errorf("expected a string, got %s", vt)
	}
}

func ticketIDs(value []byte, vt jsonparser.ValueType) ([]string, error) {
	if vt == jsonparser.Null {
		return nil, nil
	}
	if vt != jsonparser.Array {
		return nil, fmt.Errorf("expected an array, got %s", vt)
	}
	var (
		ids     []string
		itemErr error
	)
	_, err := jsonparser.ArrayEach(value, func(item []byte, vt jsonparser.ValueType, _ int, _ error) {
		if itemErr != nil {
			return
		}
		if vt != jsonparser.String {
			itemErr = fmt.Errorf("ticket id must be a string, got %s", vt)
			return
		}
		id, err := jsonparser.ParseString(item)
		if err != nil {
			itemErr = err
			return
		}
		if id != "" {
			ids = append(ids, id)
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, itemErr
}
