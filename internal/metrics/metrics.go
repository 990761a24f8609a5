// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cadence"

// Metrics is the set of collectors registered on one registry
type Metrics struct {
	registry *prometheus.Registry

	LeaseAcquire       *prometheus.CounterVec
	LeaseRelease       *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	EventsConsumed     *prometheus.CounterVec
	ScheduleFires      *prometheus.CounterVec
	ScheduledTriggers  prometheus.Gauge
	ProcessingDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		LeaseAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "acquire_total",
			Help:      "Lease acquire attempts by result (granted, reclaimed, contended).",
		}, []string{"result"}),
		LeaseRelease: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "release_total",
			Help:      "Leases released by reason.",
		}, []string{"reason"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events handed to the broker by topic and result.",
		}, []string{"topic", "result"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Events consumed by topic and outcome.",
		}, []string{"topic", "outcome"}),
		ScheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Trigger fires by result (claimed, skipped, failed).",
		}, []string{"result"}),
		ScheduledTriggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers",
			Help:      "Triggers currently registered on this replica.",
		}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "processing_duration_seconds",
			Help:      "Duration of leased processing runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.LeaseAcquire,
		m.LeaseRelease,
		m.EventsPublished,
		m.EventsConsumed,
		m.ScheduleFires,
		m.ScheduledTriggers,
		m.ProcessingDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// NewNop returns collectors on a private registry, for tests and tools
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
