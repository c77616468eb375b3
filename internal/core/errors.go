package core

import "errors"

// Error kinds. Concrete errors wrap one of these so callers can use
// errors.Is to classify a failure.
var (
	// ErrBootstrap is fatal: the gateway never becomes usable.
	ErrBootstrap = errors.New("bootstrap failure")

	// ErrQueueRejected covers both a full and a closed request queue.
	ErrQueueRejected = errors.New("request queue rejected")
	ErrQueueFull     = wrapKind(ErrQueueRejected, "request queue full")
	ErrQueueClosed   = wrapKind(ErrQueueRejected, "request queue closed")

	ErrMalformedRequest  = errors.New("malformed request")
	ErrMalformedResponse = errors.New("malformed response")
	ErrDelivery          = errors.New("delivery failure")
	ErrWorkerTask        = errors.New("worker task failure")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func wrapKind(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Kind returns a short label for the error kind of err, used as a log
// attribute and metric label. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrBootstrap):
		return "bootstrap"
	case errors.Is(err, ErrQueueRejected):
		return "queue_rejected"
	case errors.Is(err, ErrMalformedRequest):
		return "malformed_request"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	case errors.Is(err, ErrWorkerTask):
		return "worker_task"
	default:
		return "internal"
	}
}
