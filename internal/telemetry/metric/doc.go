// Package metric provides Prometheus metrics for the wayback service.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: registry, ingestion/checkpoint/HTTP metrics and the
//     /metrics handler
//   - collector.go: index gauges computed from the current view at
//     scrape time
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
