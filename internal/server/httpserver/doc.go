// Package httpserver provides the HTTP server of the wayback query API.
//
// This package implements the external API using stdlib net/http:
//
//   - Query endpoints: /search, /validate
//   - Admin endpoints: /admin/v1/ingest, /admin/v1/status, /admin/v1/checkpoints
//   - Health endpoints: /health, /ready, /metrics
//
// Every route is mounted under the configured root prefix. Admin routes
// require the bearer admin token and may be restricted to an address
// allow list; query routes are rate limited per client IP.
package httpserver
