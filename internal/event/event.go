// Package event defines the records that flow through the courier: the
// enriched event handed in by a producer and the serialized record that is
// stored on disk and batched for upload.
package event

import (
	"fmt"
	"strings"
)

// Persistence selects how an event is buffered before upload.
type Persistence int

const (
	// PersistenceNormal events are buffered in memory and flushed to disk periodically.
	PersistenceNormal Persistence = iota
	// PersistenceCritical events are written and synced to disk on every add.
	PersistenceCritical
)

// Persistences lists every class, critical first (the drain order).
var Persistences = []Persistence{PersistenceCritical, PersistenceNormal}

func (p Persistence) String() string {
	switch p {
	case PersistenceCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Extension returns the file suffix used for queue files of this class.
func (p Persistence) Extension() string {
	switch p {
	case PersistenceCritical:
		return ".crit.evq"
	default:
		return ".norm.evq"
	}
}

// ParsePersistence parses "normal" or "critical". Empty means normal.
func ParsePersistence(s string) (Persistence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PersistenceNormal, nil
	case "critical":
		return PersistenceCritical, nil
	default:
		return PersistenceNormal, fmt.Errorf("unknown persistence %q", s)
	}
}

// Latency selects whether an event may bypass the durable queue.
type Latency int

const (
	// LatencyNormal events are always queued and sent on the periodic drain.
	LatencyNormal Latency = iota
	// LatencyRealtime events are sent immediately when a worker slot is free.
	LatencyRealtime
)

func (l Latency) String() string {
	if l == LatencyRealtime {
		return "realtime"
	}
	return "normal"
}

// ParseLatency parses "normal" or "realtime". Empty means normal.
func ParseLatency(s string) (Latency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return LatencyNormal, nil
	case "realtime", "real-time", "real_time":
		return LatencyRealtime, nil
	default:
		return LatencyNormal, fmt.Errorf("unknown latency %q", s)
	}
}

// Sampling rates are percentages in [0,100].
const (
	SampleRateNoSampling  = 100.0
	SampleRateUnspecified = -1.0
)

// Record is the unit stored in and drained from the durable queue.
// Records are immutable once built.
type Record struct {
	Payload   string
	TicketIDs []string
}

// Size is the number of payload bytes, the figure compared against the
// maximum event size.
func (r Record) Size() int {
	return len(r.Payload)
}

// Event is a fully serialized event plus the routing metadata supplied by
// the enrichment stage.
type Event struct {
	Payload     string
	Persistence Persistence
	Latency     Latency
	// SampleRate is the inclusion percentage. SampleRateUnspecified means 100.
	SampleRate float64
	DeviceID   string
	TicketIDs  []string
}

// Record returns the serialized record for the event.
func (e Event) Record() Record {
	var ids []string
	if len(e.TicketIDs) > 0 {
		ids = append([]string(nil), e.TicketIDs...)
	}
	return Record{Payload: e.Payload, TicketIDs: ids}
}

// EffectiveSampleRate resolves the unspecified marker.
func (e Event) EffectiveSampleRate() float64 {
	if e.SampleRate < 0 {
		return SampleRateNoSampling
	}
	return e.SampleRate
}
