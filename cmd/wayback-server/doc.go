// Package main provides the entry point for wayback-server.
//
// The server keeps the full ROA history of the configured trust anchors
// in memory and provides:
//
//   - HTTP lookup and route origin validation API
//   - Scheduled ingestion of new daily dumps from the RPKI archive
//   - Periodic checkpoints to a directory or Azure Blob Storage
//   - Optional PostgreSQL export after every scheduled checkpoint
//   - Prometheus metrics on /metrics
//
// Usage:
//
//	wayback-server [flags]
//	wayback-server -config /etc/wayback/config.yaml
//
// Every setting can be overridden by WAYBACK_* environment variables,
// e.g. WAYBACK_SERVER_HTTP_ADDR=:8080.
package main
