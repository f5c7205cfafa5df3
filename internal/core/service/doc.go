// Package service implements the ingestion and query logic of
// wayback-rpki on top of the temporal index.
//
// This package contains:
//
//   - Merger: applies one day's ROA set to the index
//   - Ingestor: lists, fetches in parallel and merges in date order
//   - Scheduler: supervised periodic ingestion plus checkpointing
//   - QueryService: paginated lookups and origin validation
package service
