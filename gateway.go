// Package jsgate bridges a non-blocking connection layer and a single
// QuickJS engine goroutine. Connections submit requests through a bounded
// queue; the script produces responses out of band and they are routed back
// to the originating connection by handle through the installed
// core.Delivery.
package jsgate

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/dispatch"
	"github.com/cryguy/jsgate/internal/metrics"
	"github.com/cryguy/jsgate/internal/queue"
	"github.com/cryguy/jsgate/internal/quickjs"
	"github.com/cryguy/jsgate/internal/request"
)

// SubmitStatus is the result of SubmitRequest.
type SubmitStatus int

const (
	Invalid  SubmitStatus = -1 // malformed metadata, nothing queued
	Accepted SubmitStatus = 0
	Rejected SubmitStatus = 1 // queue full or closed
)

func (s SubmitStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("SubmitStatus(%d)", int(s))
	}
}

// Option configures Initialize.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Collector
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records gateway activity on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// Gateway owns the request queue, the dispatcher and the engine worker of
// one process-level engine instance.
type Gateway struct {
	cfg        *core.Config
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	worker     *quickjs.Worker
	logger     *slog.Logger
	metrics    *metrics.Collector

	shutdownOnce sync.Once
}

// Stats is a point-in-time view of the gateway.
type Stats struct {
	QueueLen    int    `json:"queueLen"`
	QueueCap    int    `json:"queueCap"`
	QueueState  string `json:"queueState"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	WorkerState string `json:"workerState"`
	Tasks       uint64 `json:"tasks"`
	Failed      uint64 `json:"failed"`
}

// Initialize loads the configuration at configPath and starts the gateway.
// See InitializeConfig.
func Initialize(delivery core.Delivery, configPath string, opts ...Option) (*Gateway, error) {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBootstrap, err)
	}
	return InitializeConfig(delivery, cfg, opts...)
}

// InitializeConfig builds the queue and dispatcher, bootstraps the engine on
// its own goroutine and waits for bootstrap to finish. On any failure the
// returned gateway is nil and the error wraps core.ErrBootstrap.
func InitializeConfig(delivery core.Delivery, cfg *core.Config, opts ...Option) (*Gateway, error) {
	if delivery == nil {
		return nil, fmt.Errorf("%w: delivery is required", core.ErrBootstrap)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", core.ErrBootstrap)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBootstrap, err)
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		cfg:     cfg,
		queue:   queue.New(cfg.Queue.Size),
		logger:  o.logger.With("component", "gateway"),
		metrics: o.metrics,
	}
	g.dispatcher = dispatch.New(delivery, o.logger, o.metrics)

	w, err := quickjs.NewWorker(quickjs.Options{
		Engine:     cfg.Engine,
		Document:   cfg.Document,
		Source:     g.queue,
		Dispatcher: g.dispatcher,
		Logger:     o.logger,
		Metrics:    o.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBootstrap, err)
	}
	if err := w.Start(); err != nil {
		g.queue.Close()
		<-w.Done()
		close(w.Done())
		w.Wait()
		return nil, err
	}
	g.worker = w

	g.logger.Info("gateway started",
		"main", cfg.Engine.Main,
		"entry_point", cfg.Engine.EntryPoint,
		"queue_size", cfg.Queue.Size,
		"delivery", cfg.Delivery.Mode)
	return g, nil
}

// Config returns the validated configuration the gateway runs with.
func (g *Gateway) Config() *core.Config { return g.cfg }

// SubmitRequest normalizes and queues one request. It never blocks.
func (g *Gateway) SubmitRequest(h core.Handle, metadata, body []byte) SubmitStatus {
	if g == nil || metadata == nil {
		return Invalid
	}
	rec, err := request.Normalize(h, metadata, body)
	if err != nil {
		g.logger.Warn("dropping request", "kind", core.Kind(err), "handle", h.String(), "err", err)
		g.metrics.Submission(Invalid.String())
		return Invalid
	}
	if err := g.queue.Offer(rec); err != nil {
		g.logger.Debug("request rejected", "kind", core.Kind(err), "handle", h.String(), "err", err)
		g.metrics.Submission(Rejected.String())
		return Rejected
	}
	g.metrics.Submission(Accepted.String())
	g.metrics.QueueDepth(g.queue.Len())
	return Accepted
}

// Dispatch delivers a raw response record through the same dispatcher the
// engine uses.
func (g *Gateway) Dispatch(payload []byte) (int, error) {
	return g.dispatcher.Dispatch(payload)
}

// ReleaseResponseBuffer returns a delivered response body to the pool.
func (g *Gateway) ReleaseResponseBuffer(buf *core.Buffer) {
	core.ReleaseBuffer(buf)
}

// Stats reports queue and worker state.
func (g *Gateway) Stats() Stats {
	total, failed := g.worker.Tasks()
	return Stats{
		QueueLen:    g.queue.Len(),
		QueueCap:    g.queue.Cap(),
		QueueState:  g.queue.State().String(),
		Accepted:    g.queue.Accepted(),
		Rejected:    g.queue.Rejected(),
		WorkerState: g.worker.State().String(),
		Tasks:       total,
		Failed:      failed,
	}
}

// WorkerState reports the engine worker lifecycle state.
func (g *Gateway) WorkerState() quickjs.State { return g.worker.State() }

// Shutdown closes the queue, waits without a timeout for the worker to
// drain buffered records and signal, then joins the worker goroutine.
// Calls after the first return immediately.
func (g *Gateway) Shutdown() {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down", "pending", g.queue.Len())
		g.queue.Close()
		done := g.worker.Done()
		<-done
		close(done)
		g.worker.Wait()
		g.metrics.QueueDepth(0)
		g.logger.Info("gateway stopped")
	})
}
