package metric

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

const namespace = "wayback"

// Registry holds all application metrics on a private Prometheus
// registry.
type Registry struct {
	registry *prometheus.Registry

	// Ingestion
	DatesTotal   *prometheus.CounterVec
	CycleSeconds *prometheus.HistogramVec
	Watermark    *prometheus.GaugeVec

	// Checkpoints
	CheckpointBytes   prometheus.Gauge
	CheckpointSeconds prometheus.Histogram
	CheckpointErrors  prometheus.Counter

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with the Go and process collectors
// and every application metric registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
		DatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dates_total",
			Help:      "Dated dumps processed, by trust anchor and outcome.",
		}, []string{"tal", "outcome"}),
		CycleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "cycle_seconds",
			Help:      "Duration of ingestion cycles.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"tal"}),
		Watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Latest merged date per trust anchor as a Unix timestamp.",
		}, []string{"tal"}),
		CheckpointBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_bytes",
			Help:      "Size of the last written checkpoint.",
		}),
		CheckpointSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_seconds",
			Help:      "Time spent writing checkpoints.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		CheckpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Failed checkpoint writes.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		r.DatesTotal, r.CycleSeconds, r.Watermark,
		r.CheckpointBytes, r.CheckpointSeconds, r.CheckpointErrors,
		r.RequestsTotal, r.RequestDuration,
	)
	return r
}

// Registerer exposes the underlying registry for extra collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer exposes the underlying registry for tests and exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// DateProcessed counts one dated dump.
func (r *Registry) DateProcessed(tal, outcome string) {
	r.DatesTotal.WithLabelValues(tal, outcome).Inc()
}

// CycleFinished records a completed ingestion cycle.
func (r *Registry) CycleFinished(tal string, elapsed time.Duration, watermark domain.Date, _ int) {
	r.CycleSeconds.WithLabelValues(tal).Observe(elapsed.Seconds())
	if watermark.IsSet() {
		r.Watermark.WithLabelValues(tal).Set(float64(watermark.Time().Unix()))
	}
}

// CheckpointSaved records a checkpoint write. A negative size marks a
// failure.
func (r *Registry) CheckpointSaved(size int, elapsed time.Duration) {
	if size < 0 {
		r.CheckpointErrors.Inc()
		return
	}
	r.CheckpointBytes.Set(float64(size))
	r.CheckpointSeconds.Observe(elapsed.Seconds())
}

// ObserveRequest records one HTTP request.
func (r *Registry) ObserveRequest(route string, code int, elapsed time.Duration) {
	r.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
