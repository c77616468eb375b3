package core

// Delivery result codes returned by the host's delivery primitives. The
// dispatcher passes them through unchanged; anything non-zero is logged as
// a delivery failure.
const (
	DeliveryOK            = 0
	DeliveryUnknownHandle = 1
	DeliveryDuplicate     = 2
	DeliveryWakeFailed    = 3
)

// Delivery is the reactor-side primitive that sends a response to the
// connection identified by handle. Implementations take ownership of body
// and must treat handle as a weak reference: the connection may already be
// gone, in which case they report DeliveryUnknownHandle.
//
// Calls are serialized by the dispatcher, so implementations need not be
// reentrant.
type Delivery interface {
	Deliver(handle Handle, status int, headers []byte, body *Buffer) int
}

// DeliveryFunc adapts a plain function to Delivery.
type DeliveryFunc func(handle Handle, status int, headers []byte, body *Buffer) int

func (f DeliveryFunc) Deliver(handle Handle, status int, headers []byte, body *Buffer) int {
	return f(handle, status, headers, body)
}

// RecordSource is the consuming side of the request queue.
type RecordSource interface {
	// Take blocks until a record is available. It returns false once the
	// source is closed and drained.
	Take() (*RequestRecord, bool)
}

// ResponseSink accepts raw response records from engine code.
type ResponseSink interface {
	Dispatch(payload []byte) (int, error)
}
