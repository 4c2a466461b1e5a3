// Package metrics exposes Prometheus collectors for workers. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker collectors.
type Metrics struct {
	WorkersActive    prometheus.Gauge
	WorkersStarted   prometheus.Counter
	Teardowns        *prometheus.CounterVec
	BridgeCalls      *prometheus.CounterVec
	BridgeDuration   *prometheus.HistogramVec
	CallbacksSent    prometheus.Counter
	CallbacksDropped prometheus.Counter
	Dispatches       *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		WorkersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "webworker_workers_active",
			Help: "Number of workers started and not yet torn down",
		}),
		WorkersStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "webworker_workers_started_total",
			Help: "Total number of workers started",
		}),
		Teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webworker_teardowns_total",
			Help: "Worker teardowns by the reason the worker stopped",
		}, []string{"reason"}),
		BridgeCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webworker_bridge_calls_total",
			Help: "Synchronous host calls by method and outcome",
		}, []string{"method", "outcome"}),
		BridgeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webworker_bridge_call_duration_seconds",
			Help:    "Time the host spent answering a synchronous call",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"method"}),
		CallbacksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "webworker_callbacks_sent_total",
			Help: "Callbacks posted to worker mailboxes",
		}),
		CallbacksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "webworker_callbacks_dropped_total",
			Help: "Callbacks overwritten in a mailbox before the worker read them",
		}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webworker_dispatches_total",
			Help: "Mailbox deliveries handled by workers, by outcome",
		}, []string{"outcome"}),
	}
}

// WorkerStarted records a worker entering its run loop.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersStarted.Inc()
	m.WorkersActive.Inc()
}

// WorkerStopped records a teardown. started tells whether WorkerStarted was
// recorded for this worker.
func (m *Metrics) WorkerStopped(reason string, started bool) {
	if m == nil {
		return
	}
	if started {
		m.WorkersActive.Dec()
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

// ObserveCall records one answered bridge call.
func (m *Metrics) ObserveCall(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BridgeCalls.WithLabelValues(method, outcome).Inc()
	m.BridgeDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// CallbackSent records a Send; dropped tells whether it displaced an unread
// delivery.
func (m *Metrics) CallbackSent(dropped bool) {
	if m == nil {
		return
	}
	m.CallbacksSent.Inc()
	if dropped {
		m.CallbacksDropped.Inc()
	}
}

// Dispatched records the outcome of one mailbox delivery.
func (m *Metrics) Dispatched(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}
