package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for clock operations and the
// reconciliation sweep.
type Metrics struct {
	Operations    *prometheus.CounterVec
	Conflicts     *prometheus.CounterVec
	Sweeps        *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	SweepClocks   *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// New registers the collectors with registry. A nil registry uses a fresh
// prometheus.Registry so tests never collide on the default one.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clock_operations_total",
				Help: "Clock operations by name and outcome",
			},
			[]string{"operation", "status"},
		),
		Conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clock_write_conflicts_total",
				Help: "Optimistic write conflicts that triggered a retry or a skipped batch entry",
			},
			[]string{"operation"},
		),
		Sweeps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clock_sweeps_total",
				Help: "Reconciliation sweeps by result (ok, error, skipped)",
			},
			[]string{"result"},
		),
		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clock_sweep_duration_seconds",
				Help:    "Time taken by one reconciliation sweep",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		SweepClocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clock_sweep_clocks_total",
				Help: "Clocks touched by sweeps, by action (updated, conflict, missing, pause_repaired)",
			},
			[]string{"action"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clock_notifications_total",
				Help: "Zero-time notifications by action (created, cleared, rolled_back, delivery_failed)",
			},
			[]string{"action"},
		),
	}
}

// Nop returns metrics bound to a private registry.
func Nop() *Metrics { return New(nil) }

// Op records the outcome of a named operation.
func (m *Metrics) Op(operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(operation, status).Inc()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Observe records the elapsed time in seconds to the given histogram.
func (t *Timer) Observe(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
