package host

import (
	"log/slog"
	"sync"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/handle"
	"github.com/cryguy/jsgate/internal/metrics"
)

// Result is a response handed to a waiting connection.
type Result struct {
	Status  int
	Headers []byte
	Body    *core.Buffer
}

// pending is one connection waiting for its response. done has one slot and
// receives at most one Result.
type pending struct {
	done chan *Result

	mu        sync.Mutex
	finished  bool    // the connection gave up or wrote its response
	delivered bool    // a result was handed to done
	parked    *Result // pipe mode: waiting for the reactor
}

// complete hands r to the waiting connection.
func (p *pending) complete(r *Result) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.finished:
		return core.DeliveryUnknownHandle
	case p.delivered || p.parked != nil:
		return core.DeliveryDuplicate
	}
	p.delivered = true
	p.done <- r
	return core.DeliveryOK
}

func (p *pending) park(r *Result) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.finished:
		return core.DeliveryUnknownHandle
	case p.delivered || p.parked != nil:
		return core.DeliveryDuplicate
	}
	p.parked = r
	return core.DeliveryOK
}

func (p *pending) unpark() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.parked
	p.parked = nil
	return r
}

// finalizeParked moves the parked result to done. It reports false when
// nothing was parked or the connection already finished.
func (p *pending) finalizeParked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.parked == nil {
		return false
	}
	r := p.parked
	p.parked = nil
	p.delivered = true
	p.done <- r
	return true
}

// finish marks the connection finalized and returns any result that arrived
// after the connection stopped waiting.
func (p *pending) finish() []*Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	var left []*Result
	if p.parked != nil {
		left = append(left, p.parked)
		p.parked = nil
	}
	select {
	case r := <-p.done:
		left = append(left, r)
	default:
	}
	return left
}

// Conns is the table of connections waiting for a response, keyed by the
// handle carried through the request record.
type Conns struct {
	reg     *handle.Registry[*pending]
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewConns returns an empty table. logger and m may be nil.
func NewConns(logger *slog.Logger, m *metrics.Collector) *Conns {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conns{
		reg:     handle.NewRegistry[*pending](),
		logger:  logger.With("component", "conns"),
		metrics: m,
	}
}

// open registers a new waiting connection.
func (c *Conns) open() (core.Handle, *pending) {
	p := &pending{done: make(chan *Result, 1)}
	return c.reg.Register(p), p
}

// close releases h. Results that arrive too late are returned to the pool.
func (c *Conns) close(h core.Handle) {
	p, ok := c.reg.Release(h)
	if !ok {
		return
	}
	for _, r := range p.finish() {
		c.logger.Debug("discarding late response", "handle", h.String(), "status", r.Status)
		core.ReleaseBuffer(r.Body)
	}
}

// Len returns the number of connections waiting for a response.
func (c *Conns) Len() int { return c.reg.Len() }

// DirectDelivery resolves the handle on the calling goroutine and hands the
// result to the waiting connection with a non-blocking send.
type DirectDelivery struct {
	conns *Conns
}

// Direct returns the direct delivery strategy over c.
func (c *Conns) Direct() *DirectDelivery { return &DirectDelivery{conns: c} }

func (d *DirectDelivery) Deliver(h core.Handle, status int, headers []byte, body *core.Buffer) int {
	p, ok := d.conns.reg.Lookup(h)
	if !ok {
		core.ReleaseBuffer(body)
		d.conns.logger.Info("response for unknown handle", "handle", h.String())
		return core.DeliveryUnknownHandle
	}
	code := p.complete(&Result{Status: status, Headers: headers, Body: body})
	if code != core.DeliveryOK {
		core.ReleaseBuffer(body)
	}
	return code
}

var (
	_ core.Delivery = (*DirectDelivery)(nil)
	_ core.Delivery = (*PipeDelivery)(nil)
)

// Notifier writes wake-up tokens for the reactor.
type Notifier interface {
	Notify(token uint64) error
}

// PipeDelivery parks the result on the waiting connection and wakes the
// reactor through a Notifier; the reactor goroutine then finalizes the
// connection in Wake.
type PipeDelivery struct {
	conns    *Conns
	notifier Notifier
}

// Pipe returns the pipe delivery strategy over c. Bind must be called with
// the notifier before the first delivery.
func (c *Conns) Pipe() *PipeDelivery { return &PipeDelivery{conns: c} }

// Bind sets the notifier used to wake the reactor.
func (d *PipeDelivery) Bind(n Notifier) { d.notifier = n }

func (d *PipeDelivery) Deliver(h core.Handle, status int, headers []byte, body *core.Buffer) int {
	p, ok := d.conns.reg.Lookup(h)
	if !ok {
		core.ReleaseBuffer(body)
		d.conns.logger.Info("response for unknown handle", "handle", h.String())
		return core.DeliveryUnknownHandle
	}
	if d.notifier == nil {
		core.ReleaseBuffer(body)
		return core.DeliveryWakeFailed
	}
	if code := p.park(&Result{Status: status, Headers: headers, Body: body}); code != core.DeliveryOK {
		core.ReleaseBuffer(body)
		return code
	}
	if err := d.notifier.Notify(uint64(h)); err != nil {
		if r := p.unpark(); r != nil {
			core.ReleaseBuffer(r.Body)
		}
		d.conns.logger.Error("waking reactor failed", "handle", h.String(), "err", err)
		return core.DeliveryWakeFailed
	}
	return core.DeliveryOK
}

// Wake is the reactor-side token handler. It resolves the token to its
// connection and hands over the parked result.
func (d *PipeDelivery) Wake(token uint64) {
	d.conns.metrics.Wakeup()
	h := core.Handle(token)
	p, ok := d.conns.reg.Lookup(h)
	if !ok || !p.finalizeParked() {
		d.conns.logger.Debug("wake-up for finished connection", "handle", h.String())
	}
}
