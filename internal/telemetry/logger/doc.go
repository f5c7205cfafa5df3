// Package logger provides structured logging for the wayback service.
//
// It wraps log/slog:
//
//   - logger.go: handler construction and the process-wide level
//   - context.go: context-aware logging with request and cycle IDs
//   - redact.go: masking of secrets in attribute values
//
// Components receive the *slog.Logger returned by Logger.Slog so they
// share the handler, the level and the redaction rules.
package logger
