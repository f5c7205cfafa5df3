// Package output renders wayback-cli results.
//
//   - formatter.go: Formatter interface and factory (table, json, yaml)
//   - table.go: tab-aligned tables; views.go builds them per result type
//   - progress.go: per-date progress of a local ingestion run
//   - spinner.go: activity indicator for checkpoint loads and exports
//
// Tables are for people; json and yaml carry every field and are stable
// for scripting. Progress and spinners go to stderr so stdout stays
// parseable.
package output
