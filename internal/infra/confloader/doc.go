// Package confloader loads configuration with koanf and watches the
// configuration file with fsnotify.
//
// Priority (highest to lowest):
//
//  1. Values set with LoadMap after Load (command-line flags)
//  2. Environment variables (WAYBACK_ prefix)
//  3. The YAML configuration file
//  4. Values already present in the target struct
//
// Environment names map onto the target's koanf keys: underscores that
// are part of a key name survive, so WAYBACK_INGEST_FETCH_TIMEOUT sets
// ingest.fetch_timeout.
package confloader
