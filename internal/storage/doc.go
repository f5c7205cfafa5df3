// Package storage wires the in-memory ROA index to its durable state.
//
// The Engine owns three parts:
//
//   - the memory.Index serving lookups and receiving merges
//   - a snapshot.Manager writing checkpoints to a directory or blob
//     container, periodically and on shutdown when the index changed
//   - a Catalog of per-file ingestion outcomes kept in Badger
//
// Recovery loads the newest checkpoint that decodes and validates. When
// none does, the index starts empty and the next cycle bootstraps it.
package storage
