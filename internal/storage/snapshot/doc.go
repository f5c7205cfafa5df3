// Package snapshot implements the checkpoint store.
//
// A checkpoint is a full dump of the temporal ROA index and the anchor
// watermarks, written after ingestion cycles and read once at startup:
//
//	checkpoint-<ulid>.ckpt
//	[magic:8 "WBRPKICK"]
//	[HeaderLen:4][HeaderJSON:HeaderLen]
//	[DataLen:4][Data:DataLen]   (protowire payload, zstd, optionally sealed)
//	[checksum:32 SHA-256 of all bytes above]
//
// Checkpoints live in a directory or in an Azure blob container. Loading
// falls back to older checkpoints when the newest is corrupt.
package snapshot
