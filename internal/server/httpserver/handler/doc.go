// Package handler provides HTTP request handlers for the wayback query API.
//
// This package contains handlers for all HTTP endpoints:
//
//   - query.go: /search and /validate over the temporal ROA index
//   - admin.go: ingestion triggers, status and checkpoints
//   - health.go: liveness and readiness checks
//
// All handlers follow a consistent pattern:
//
//   - Parse and validate request
//   - Call domain service
//   - Format and return response in the standard envelope
//   - Map domain error codes to HTTP status codes
package handler
