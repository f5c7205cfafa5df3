package config

import "time"

// ServerConfig is the root configuration for wayback-server.
type ServerConfig struct {
	Server     ServerSection     `koanf:"server"`
	Ingest     IngestSection     `koanf:"ingest"`
	Checkpoint CheckpointSection `koanf:"checkpoint"`
	Catalog    CatalogSection    `koanf:"catalog"`
	Export     ExportSection     `koanf:"export"`
	Log        LogSection        `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP HTTPConfig `koanf:"http"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
	// Root is the path prefix of every route, e.g. "/wayback".
	Root               string   `koanf:"root"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	// RateLimit is the request rate allowed per client IP; zero disables
	// limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
	// AdminToken guards /admin routes; empty disables them.
	AdminToken string `koanf:"admin_token"`
	// AdminAllowList restricts /admin routes to these addresses or CIDR
	// blocks; empty allows any client holding the token.
	AdminAllowList []string `koanf:"admin_allow_list"`
	// Audit logs every request.
	Audit           bool          `koanf:"audit"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// IngestSection configures archive crawling and merging.
type IngestSection struct {
	SourceURL string   `koanf:"source_url"`
	TALs      []string `koanf:"tals"`
	// FileName is the dump name inside each day directory.
	FileName     string        `koanf:"file_name"`
	Workers      int           `koanf:"workers"`
	Window       int           `koanf:"window"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	// RequestRate limits archive requests per second; zero disables it.
	RequestRate   float64       `koanf:"request_rate"`
	Interval      time.Duration `koanf:"interval"`
	CycleTimeout  time.Duration `koanf:"cycle_timeout"`
	RunOnStart    bool          `koanf:"run_on_start"`
	FailurePolicy string        `koanf:"failure_policy"`
	MaxBridgeDays int           `koanf:"max_bridge_days"`
	// BootstrapFrom and Until are YYYY-MM-DD; empty means unbounded.
	BootstrapFrom string `koanf:"bootstrap_from"`
	Until         string `koanf:"until"`
}

// CheckpointSection configures the checkpoint store.
type CheckpointSection struct {
	// Location is a directory, file:// URL or azblob://container/prefix.
	Location    string        `koanf:"location"`
	Compression string        `koanf:"compression"`
	Keep        int           `koanf:"keep"`
	Interval    time.Duration `koanf:"interval"`
	// Passphrase enables encryption at rest.
	Passphrase       string        `koanf:"passphrase"`
	Cipher           string        `koanf:"cipher"`
	HeartbeatURL     string        `koanf:"heartbeat_url"`
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`
}

// CatalogSection configures the file catalog.
type CatalogSection struct {
	// Dir is the badger directory; empty keeps the catalog in memory.
	Dir        string `koanf:"dir"`
	GCInterval string `koanf:"gc_interval"`
}

// ExportSection configures the PostgreSQL export.
type ExportSection struct {
	PostgresDSN string `koanf:"postgres_dsn"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
