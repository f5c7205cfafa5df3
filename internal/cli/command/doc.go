// Package command defines the wayback-cli commands on urfave/cli/v2.
//
//   - root.go: App, shared flags, output and logger plumbing
//   - local.go: checkpoint access and the local/remote query backends
//   - ingest.go: bootstrap, update (local) and ingest (server trigger)
//   - query.go: search, validate
//   - checkpoint.go: checkpoint info, list, save
//   - export.go: PostgreSQL export of a checkpoint
//   - status.go: server status and health
//
// Commands that read history work either on a checkpoint location
// (--checkpoint) or against a running server (--server).
package command
