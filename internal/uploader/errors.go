package uploader

import (
	"net/http"

	"github.com/szibis/event-courier/internal/sender"
)

// Outcome classifies the result of posting one batch.
type Outcome int

const (
	// OutcomeDelivered is a 200: the batch was accepted, possibly with some
	// events rejected.
	OutcomeDelivered Outcome = iota
	// OutcomeRejected is a 400: every event was refused and will not be
	// retried.
	OutcomeRejected
	// OutcomeAuthFailed is a 401 that persisted after refreshing tickets.
	OutcomeAuthFailed
	// OutcomeThrottled is a 429 or 503.
	OutcomeThrottled
	// OutcomeServerError is any other 5xx.
	OutcomeServerError
	// OutcomeNetworkError is a transport failure before a response arrived.
	OutcomeNetworkError
	// OutcomeUnknown is any other status code.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeServerError:
		return "server_error"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the batch is finished with. Terminal batches are
// removed from disk; everything else is kept and retried.
func (o Outcome) Terminal() bool {
	return o == OutcomeDelivered || o == OutcomeRejected
}

// Classify maps a send result to an outcome.
func Classify(res sender.Result) Outcome {
	if res.Err != nil {
		return OutcomeNetworkError
	}
	switch code := res.StatusCode; {
	case code == http.StatusOK:
		return OutcomeDelivered
	case code == http.StatusBadRequest:
		return OutcomeRejected
	case code == http.StatusUnauthorized:
		return OutcomeAuthFailed
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return OutcomeThrottled
	case code >= 500:
		return OutcomeServerError
	default:
		return OutcomeUnknown
	}
}
