// Package metrics exposes the manager's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the manager records into. Collectors are
// registered on construction; pass a nil registerer for unregistered
// collectors in tests.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksAssigned  prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksExpired   prometheus.Counter
	TasksAborted   prometheus.Counter

	PerpetualAssignments prometheus.Counter
	PerpetualStale       prometheus.Counter

	Heartbeats          prometheus.Counter
	CallbackDeliveries  prometheus.Counter
	CallbackDuplicates  prometheus.Counter
	DelegatesRegistered prometheus.Gauge

	RebalancePassDuration prometheus.Histogram
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := with(reg)
	m.registry = reg
	return m
}

// NewUnregistered builds collectors that are not attached to any registry,
// for tests that only care about side effects.
func NewUnregistered() *Metrics {
	return with(nil)
}

func with(r prometheus.Registerer) *Metrics {
	f := promauto.With(r)
	return &Metrics{
		TasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_tasks_submitted_total",
			Help: "One-shot tasks accepted into the queue.",
		}),
		TasksAssigned: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_tasks_assigned_total",
			Help: "One-shot task assignments handed to delegates.",
		}),
		TasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_tasks_completed_total",
			Help: "One-shot tasks finished with a delivered result.",
		}),
		TasksExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_tasks_expired_total",
			Help: "One-shot tasks that hit their deadline.",
		}),
		TasksAborted: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_tasks_aborted_total",
			Help: "One-shot tasks cancelled before completion.",
		}),
		PerpetualAssignments: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_perpetual_assignments_total",
			Help: "Perpetual task appointments, including reassignments.",
		}),
		PerpetualStale: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_perpetual_stale_total",
			Help: "Perpetual assignments broken for missed heartbeats.",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_heartbeats_total",
			Help: "Delegate heartbeats processed.",
		}),
		CallbackDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_callback_deliveries_total",
			Help: "Result outcomes delivered to waiting callers.",
		}),
		CallbackDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_callback_duplicates_total",
			Help: "Result deliveries suppressed as duplicates.",
		}),
		DelegatesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskfleet_delegates_registered",
			Help: "Delegates currently in the catalog.",
		}),
		RebalancePassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskfleet_rebalance_pass_duration_seconds",
			Help:    "Wall time of a rebalance pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
