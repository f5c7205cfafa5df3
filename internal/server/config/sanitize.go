package config

import (
	"strings"

	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
)

// Sanitize returns a copy of the config with sensitive fields masked.
//
// This is used for logging configuration without exposing secrets.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	sanitized := *cfg

	sanitized.Server.HTTP.AdminToken = maskSecret(cfg.Server.HTTP.AdminToken)
	sanitized.Checkpoint.Passphrase = maskSecret(cfg.Checkpoint.Passphrase)
	sanitized.Checkpoint.HeartbeatURL = logger.RedactURL(cfg.Checkpoint.HeartbeatURL)
	if cfg.Export.PostgresDSN != "" {
		sanitized.Export.PostgresDSN = "****"
	}
	sanitized.Ingest.TALs = append([]string(nil), cfg.Ingest.TALs...)
	sanitized.Server.HTTP.CORSAllowedOrigins = append([]string(nil), cfg.Server.HTTP.CORSAllowedOrigins...)
	sanitized.Server.HTTP.AdminAllowList = append([]string(nil), cfg.Server.HTTP.AdminAllowList...)

	return &sanitized
}

// maskSecret masks a secret value for safe logging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
