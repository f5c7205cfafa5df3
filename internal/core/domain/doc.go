// Package domain defines the core domain models for wayback-rpki.
//
// Domain models are pure value objects without any IO dependencies or
// framework coupling. This package contains:
//
//   - Date: a civil calendar day, the unit of time for all histories
//   - Roa and RoaKey: the identity of one authorization record
//   - Interval and History: run-length compressed validity episodes
//   - AnchorState: per trust-anchor watermark bookkeeping
//   - Errors: domain-specific error definitions
package domain
