package config

import (
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/source"
)

// Default configuration values.
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultRateBurst       = 20
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultWorkers       = 4
	DefaultFetchTimeout  = 2 * time.Minute
	DefaultRequestRate   = 10
	DefaultInterval      = 6 * time.Hour
	DefaultFailurePolicy = "empty"
	DefaultMaxBridgeDays = 7

	DefaultCheckpointLocation = "/var/lib/wayback/checkpoints"
	DefaultCheckpointKeep     = 3
	DefaultCheckpointInterval = time.Hour
	DefaultHeartbeatTimeout   = 10 * time.Second

	DefaultCatalogDir = "/var/lib/wayback/catalog"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr:            DefaultHTTPAddr,
				RateBurst:       DefaultRateBurst,
				ReadTimeout:     DefaultReadTimeout,
				WriteTimeout:    DefaultWriteTimeout,
				ShutdownTimeout: DefaultShutdownTimeout,
			},
		},
		Ingest: IngestSection{
			SourceURL:     source.DefaultBaseURL,
			TALs:          append([]string(nil), domain.KnownAnchors...),
			FileName:      source.DefaultFileName,
			Workers:       DefaultWorkers,
			FetchTimeout:  DefaultFetchTimeout,
			RequestRate:   DefaultRequestRate,
			Interval:      DefaultInterval,
			RunOnStart:    true,
			FailurePolicy: DefaultFailurePolicy,
			MaxBridgeDays: DefaultMaxBridgeDays,
		},
		Checkpoint: CheckpointSection{
			Location:         DefaultCheckpointLocation,
			Compression:      "zstd",
			Keep:             DefaultCheckpointKeep,
			Interval:         DefaultCheckpointInterval,
			HeartbeatTimeout: DefaultHeartbeatTimeout,
		},
		Catalog: CatalogSection{
			Dir:        DefaultCatalogDir,
			GCInterval: "10m",
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
