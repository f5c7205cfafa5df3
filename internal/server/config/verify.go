package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyIngest(&cfg.Ingest); err != nil {
		return err
	}
	if err := verifyCheckpoint(&cfg.Checkpoint); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "json", "text", "console":
	default:
		return fmt.Errorf("log.format %q: want json or text", cfg.Log.Format)
	}
	return nil
}

func verifyServer(cfg *ServerSection) error {
	if cfg.HTTP.Addr == "" {
		return errors.New("server.http.addr is required")
	}
	if cfg.HTTP.Root != "" && (!strings.HasPrefix(cfg.HTTP.Root, "/") || strings.HasSuffix(cfg.HTTP.Root, "/")) {
		return fmt.Errorf("server.http.root %q must start with / and not end with /", cfg.HTTP.Root)
	}
	if cfg.HTTP.RateLimit < 0 {
		return errors.New("server.http.rate_limit must not be negative")
	}
	if cfg.HTTP.RateLimit > 0 && cfg.HTTP.RateBurst < 1 {
		return errors.New("server.http.rate_burst must be at least 1 when rate limiting")
	}
	for _, entry := range cfg.HTTP.AdminAllowList {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("server.http.admin_allow_list: %q is not an address or CIDR", entry)
		}
	}
	return nil
}

func verifyIngest(cfg *IngestSection) error {
	u, err := url.Parse(cfg.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file") {
		return fmt.Errorf("ingest.source_url %q: want an http(s) or file URL", cfg.SourceURL)
	}
	if len(cfg.TALs) == 0 {
		return errors.New("ingest.tals must name at least one trust anchor")
	}
	for _, tal := range cfg.TALs {
		if !domain.ValidAnchor(tal) {
			return fmt.Errorf("ingest.tals: unknown trust anchor %q", tal)
		}
	}
	if cfg.Workers < 1 {
		return errors.New("ingest.workers must be at least 1")
	}
	if cfg.Window < 0 {
		return errors.New("ingest.window must not be negative")
	}
	if cfg.RequestRate < 0 {
		return errors.New("ingest.request_rate must not be negative")
	}
	if cfg.Interval < 0 {
		return errors.New("ingest.interval must not be negative")
	}
	if _, err := service.ParseFailurePolicy(cfg.FailurePolicy); err != nil {
		return fmt.Errorf("ingest.failure_policy: %w", err)
	}
	if cfg.MaxBridgeDays < 0 {
		return errors.New("ingest.max_bridge_days must not be negative")
	}
	if _, _, err := cfg.Range(); err != nil {
		return err
	}
	return nil
}

// Range returns the bootstrap start and the last date to ingest.
func (cfg *IngestSection) Range() (from, until domain.Date, err error) {
	if cfg.BootstrapFrom != "" {
		if from, err = domain.ParseDate(cfg.BootstrapFrom); err != nil {
			return 0, 0, fmt.Errorf("ingest.bootstrap_from: %w", err)
		}
	}
	if cfg.Until != "" {
		if until, err = domain.ParseDate(cfg.Until); err != nil {
			return 0, 0, fmt.Errorf("ingest.until: %w", err)
		}
	}
	if from.IsSet() && until.IsSet() && from > until {
		return 0, 0, fmt.Errorf("ingest.bootstrap_from %s is after ingest.until %s", from, until)
	}
	return from, until, nil
}

func verifyCheckpoint(cfg *CheckpointSection) error {
	if cfg.Location == "" {
		return errors.New("checkpoint.location is required")
	}
	if strings.Contains(cfg.Location, "://") {
		u, err := url.Parse(cfg.Location)
		if err != nil {
			return fmt.Errorf("checkpoint.location: %w", err)
		}
		switch u.Scheme {
		case "file":
		case "azblob":
			if u.Host == "" {
				return errors.New("checkpoint.location: azblob URL needs a container")
			}
		default:
			return fmt.Errorf("checkpoint.location: unsupported scheme %q", u.Scheme)
		}
	}
	switch cfg.Compression {
	case "", snapshot.CompressionZstd, snapshot.CompressionNone:
	default:
		return fmt.Errorf("checkpoint.compression %q: want zstd or none", cfg.Compression)
	}
	if cfg.Keep < 1 {
		return errors.New("checkpoint.keep must be at least 1")
	}
	if cfg.Interval < 0 {
		return errors.New("checkpoint.interval must not be negative")
	}
	if cfg.Passphrase != "" && len(cfg.Passphrase) < snapshot.MinPassphraseLength {
		return fmt.Errorf("checkpoint.passphrase must be at least %d characters", snapshot.MinPassphraseLength)
	}
	switch cfg.Cipher {
	case "", snapshot.CipherAESGCM, snapshot.CipherChaCha20:
	default:
		return fmt.Errorf("checkpoint.cipher %q: want %s or %s", cfg.Cipher, snapshot.CipherAESGCM, snapshot.CipherChaCha20)
	}
	if cfg.HeartbeatURL != "" {
		if u, err := url.Parse(cfg.HeartbeatURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.New("checkpoint.heartbeat_url must be an http(s) URL")
		}
	}
	return nil
}
