// Package config defines the wayback-server configuration.
//
//   - spec.go: ServerConfig struct definition (koanf tags)
//   - default.go: default values
//   - verify.go: validation of values and cross-field constraints
//   - sanitize.go: masking of secrets for logging
//
// Configuration is loaded via internal/infra/confloader from a YAML file
// and WAYBACK_ environment variables.
package config
