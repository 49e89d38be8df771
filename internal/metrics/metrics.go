package metrics

import (
	"alertpipe/internal/types"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	Lines              prometheus.Counter
	ParseFailures      prometheus.Counter
	LateEntries        prometheus.Counter
	Alerts             *prometheus.CounterVec
	DeliveryAttempts   *prometheus.CounterVec
	SourcesUnavailable prometheus.Gauge
	OpenAlerts         prometheus.Gauge
	TickDuration       prometheus.Histogram
}

// New creates and registers every collector
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Lines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertpipe_lines_total",
			Help: "Raw lines read from all sources.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertpipe_parse_failures_total",
			Help: "Lines that did not match the configured pattern.",
		}),
		LateEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertpipe_late_entries_total",
			Help: "Entries dropped because their window was already evicted.",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertpipe_alerts_total",
			Help: "Alerts emitted by the evaluator, by severity.",
		}, []string{"severity"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertpipe_delivery_attempts_total",
			Help: "Delivery attempts by sink and outcome.",
		}, []string{"sink", "outcome"}),
		SourcesUnavailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertpipe_sources_unavailable",
			Help: "Sources that have failed and are no longer read.",
		}),
		OpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertpipe_open_alerts",
			Help: "Incidents currently in WARNING or CRITICAL.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertpipe_tick_duration_seconds",
			Help:    "Time spent per evaluation tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.Lines, m.ParseFailures, m.LateEntries, m.Alerts, m.DeliveryAttempts,
		m.SourcesUnavailable, m.OpenAlerts, m.TickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for scraping and tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordAttempt counts a delivery attempt
func (m *Metrics) RecordAttempt(a types.DeliveryAttempt) error {
	m.DeliveryAttempts.WithLabelValues(a.Sink, string(a.Outcome)).Inc()
	return nil
}

// ObserveAlert counts an emitted alert
func (m *Metrics) ObserveAlert(a types.Alert) {
	m.Alerts.WithLabelValues(string(a.Severity)).Inc()
}
