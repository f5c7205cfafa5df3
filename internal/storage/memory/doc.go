// Package memory provides the in-memory temporal ROA index.
//
// Histories are grouped per prefix in an immutable radix tree keyed by
// the prefix bits, with a second tree ordering (ASN, prefix) pairs.
// Every commit publishes a new View through an atomic pointer, so
// readers always observe the state before or after a whole batch.
//
// Thread Safety:
//
// A single Batch may be open at a time (Index.Begin blocks until the
// previous one is committed or discarded). Views are immutable and safe
// for concurrent use.
package memory
