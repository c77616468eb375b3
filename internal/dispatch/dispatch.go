// Package dispatch parses response records produced by engine-side code and
// hands them to the installed delivery primitive.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/metrics"
)

// Dispatcher serializes every call into the delivery primitive behind one
// mutex. It is agnostic to which delivery strategy is installed.
type Dispatcher struct {
	mu       sync.Mutex
	delivery core.Delivery
	logger   *slog.Logger
	metrics  *metrics.Collector
}

var _ core.ResponseSink = (*Dispatcher)(nil)

// New returns a dispatcher delivering through d. logger and m may be nil.
func New(d core.Delivery, logger *slog.Logger, m *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{delivery: d, logger: logger.With("component", "dispatch"), metrics: m}
}

// Dispatch parses payload and delivers it. On success it returns the
// delivery primitive's own result code, unchanged. A non-zero code is also
// logged as a delivery failure but not retried. A malformed payload never
// reaches the delivery primitive; the error wraps core.ErrMalformedResponse.
func (d *Dispatcher) Dispatch(payload []byte) (int, error) {
	_, code, err := d.DispatchHandle(payload)
	return code, err
}

// DispatchHandle is Dispatch that also reports the handle the record named.
func (d *Dispatcher) DispatchHandle(payload []byte) (core.Handle, int, error) {
	rec, err := Parse(payload)
	if err != nil {
		d.logger.Warn("dropping response", "kind", core.Kind(err), "err", err)
		d.metrics.Dispatch("malformed")
		return 0, -1, err
	}
	return rec.Handle, d.Deliver(rec), nil
}

// Deliver hands an already parsed record to the delivery primitive. The
// primitive takes ownership of rec.Body.
func (d *Dispatcher) Deliver(rec *core.ResponseRecord) int {
	d.mu.Lock()
	code := d.delivery.Deliver(rec.Handle, rec.Status, rec.Headers, rec.Body)
	d.mu.Unlock()

	if code != core.DeliveryOK {
		err := fmt.Errorf("%w: handle %s: delivery returned %d", core.ErrDelivery, rec.Handle, code)
		d.logger.Warn("response not delivered", "kind", core.Kind(err), "handle", rec.Handle.String(), "code", code)
		d.metrics.Dispatch("failed")
		return code
	}
	d.metrics.Dispatch("delivered")
	return code
}
