// Package metrics exposes the gateway's Prometheus instruments. A nil
// *Collector is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jsgate"

// Collector holds every instrument on its own registry.
type Collector struct {
	registry *prometheus.Registry

	submissions  *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	taskDuration prometheus.Histogram
	queueDepth   prometheus.Gauge
	workerState  *prometheus.GaugeVec
	wakeups      prometheus.Counter
}

// New creates a collector with Go runtime and process collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Request submissions by result (accepted, rejected, invalid)",
		}, []string{"result"}),

		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Response dispatches by outcome (delivered, failed, malformed)",
		}, []string{"outcome"}),

		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Requests executed by the engine worker by outcome",
		}, []string{"outcome"}),

		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_task_duration_seconds",
			Help:      "Time spent executing one request in the engine",
			Buckets:   prometheus.DefBuckets,
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Records buffered in the request queue",
		}),

		workerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "1 for the engine worker's current state, 0 otherwise",
		}, []string{"state"}),

		wakeups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_wakeups_total",
			Help:      "Tokens read from the notification bridge",
		}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Submission(result string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(result).Inc()
}

func (c *Collector) Dispatch(outcome string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(outcome).Inc()
}

// Task records one executed request.
func (c *Collector) Task(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(outcome).Inc()
	c.taskDuration.Observe(d.Seconds())
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// WorkerState marks state as current among the known states.
func (c *Collector) WorkerState(state string, known []string) {
	if c == nil {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		c.workerState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) Wakeup() {
	if c == nil {
		return
	}
	c.wakeups.Inc()
}
