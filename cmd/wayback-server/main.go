package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/infra/buildinfo"
	"github.com/yndnr/wayback-rpki/internal/infra/confloader"
	"github.com/yndnr/wayback-rpki/internal/infra/shutdown"
	"github.com/yndnr/wayback-rpki/internal/server/config"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/source"
	"github.com/yndnr/wayback-rpki/internal/storage"
	"github.com/yndnr/wayback-rpki/internal/storage/pgexport"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
	"github.com/yndnr/wayback-rpki/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wayback-server %s\n", buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slogLogger := log.Slog()

	log.Info("starting wayback-server",
		"version", buildinfo.Get().Version,
		"commit", buildinfo.Get().Commit,
		"config", *configFile)
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	engine, err := initStorage(cfg, slogLogger)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	metrics := metric.NewRegistry()
	metrics.Registerer().MustRegister(metric.NewCollector(engine.Index()))
	engine.KV().RegisterMetrics(metrics.Registerer())

	ingestor, err := initIngestor(cfg, engine, metrics, slogLogger)
	if err != nil {
		return fmt.Errorf("init ingestion: %w", err)
	}

	ck := &checkpointer{engine: engine, metrics: metrics, logger: slogLogger.With("component", "checkpoint")}
	if cfg.Export.PostgresDSN != "" {
		ck.export, err = pgexport.Open(context.Background(), cfg.Export.PostgresDSN, slogLogger.With("component", "export"))
		if err != nil {
			return fmt.Errorf("init export: %w", err)
		}
		log.Info("postgres export enabled", "target", pgexport.Describe(cfg.Export.PostgresDSN))
	}

	scheduler := service.NewScheduler(ingestor, ck.afterRound, service.SchedulerConfig{
		TALs:         cfg.Ingest.TALs,
		Interval:     cfg.Ingest.Interval,
		CycleTimeout: cfg.Ingest.CycleTimeout,
		RunOnStart:   cfg.Ingest.RunOnStart,
	}, slogLogger.With("component", "scheduler"))

	var ready atomic.Bool
	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Handler: handler.Config{
			Query:      service.NewQueryService(engine.Index()),
			Trigger:    scheduler,
			Status:     ingestor,
			Checkpoint: ck,
			TALs:       cfg.Ingest.TALs,
			Ready:      ready.Load,
		},
		Metrics:            metrics,
		Logger:             slogLogger,
		Root:               cfg.Server.HTTP.Root,
		CORSAllowedOrigins: cfg.Server.HTTP.CORSAllowedOrigins,
		RateLimit:          cfg.Server.HTTP.RateLimit,
		RateBurst:          cfg.Server.HTTP.RateBurst,
		AdminToken:         cfg.Server.HTTP.AdminToken,
		AdminAllowList:     cfg.Server.HTTP.AdminAllowList,
		EnableAudit:        cfg.Server.HTTP.Audit,
	})
	httpServer := httpserver.New(httpserver.Config{
		Addr:         cfg.Server.HTTP.Addr,
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
	}, router)

	shutdownHandler := shutdown.NewHandler(cfg.Server.HTTP.ShutdownTimeout, slogLogger)

	// Hooks run in reverse order: server, scheduler, export, storage.
	shutdownHandler.OnShutdown("storage", func(ctx context.Context) error {
		return engine.Close(ctx)
	})
	if ck.export != nil {
		shutdownHandler.OnShutdown("export", func(context.Context) error {
			return ck.export.Close()
		})
	}
	shutdownHandler.OnShutdown("scheduler", scheduler.Stop)
	shutdownHandler.OnShutdown("http", httpServer.Shutdown)

	if *configFile != "" {
		watcher, err := watchLogLevel(*configFile, slogLogger)
		if err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else {
			shutdownHandler.OnShutdown("config-watcher", func(context.Context) error {
				return watcher.Stop()
			})
		}
	}

	// Health probes answer while the index is being restored.
	go func() {
		log.Info("HTTP server listening", "addr", cfg.Server.HTTP.Addr, "root", cfg.Server.HTTP.Root)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
			shutdownHandler.Trigger("http server failed")
		}
	}()

	go func() {
		if _, err := engine.Recover(context.Background()); err != nil {
			log.Error("storage recovery failed", "error", err)
			shutdownHandler.Trigger("storage recovery failed")
			return
		}
		ready.Store(true)
		stats := engine.Index().View().Stats()
		log.Info("index ready", "entries", stats.IPv4+stats.IPv6, "latest", stats.LatestDate.String())
		scheduler.Start()
	}()

	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(context.Background()); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg *config.ServerConfig) (logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	return log, nil
}

func initStorage(cfg *config.ServerConfig, log *slog.Logger) (*storage.Engine, error) {
	storageCfg := storage.DefaultConfig(".")
	storageCfg.Logger = log
	storageCfg.CheckpointLocation = cfg.Checkpoint.Location
	storageCfg.CheckpointInterval = cfg.Checkpoint.Interval
	storageCfg.Checkpoint = snapshot.Config{
		Keep:             cfg.Checkpoint.Keep,
		Compression:      cfg.Checkpoint.Compression,
		Cipher:           cfg.Checkpoint.Cipher,
		HeartbeatURL:     cfg.Checkpoint.HeartbeatURL,
		HeartbeatTimeout: cfg.Checkpoint.HeartbeatTimeout,
	}
	if cfg.Checkpoint.Passphrase != "" {
		storageCfg.Checkpoint.Passphrase = []byte(cfg.Checkpoint.Passphrase)
	}
	storageCfg.Badger.Dir = cfg.Catalog.Dir
	if cfg.Catalog.GCInterval != "" {
		storageCfg.Badger.GCInterval = cfg.Catalog.GCInterval
	}
	return storage.New(storageCfg)
}

func initIngestor(cfg *config.ServerConfig, engine *storage.Engine, metrics *metric.Registry, log *slog.Logger) (*service.Ingestor, error) {
	in := cfg.Ingest
	from, until, err := in.Range()
	if err != nil {
		return nil, err
	}
	policy, err := service.ParseFailurePolicy(in.FailurePolicy)
	if err != nil {
		return nil, err
	}

	archive, err := source.NewArchive(in.SourceURL,
		source.WithFileName(in.FileName),
		source.WithRateLimit(in.RequestRate, int(in.RequestRate)+1),
		source.WithUserAgent(buildinfo.UserAgent()),
		source.WithLogger(log.With("component", "source")),
	)
	if err != nil {
		return nil, err
	}

	idx := engine.Index()
	merger := service.NewMerger(idx,
		service.WithFailurePolicy(policy),
		service.WithMaxBridgeDays(in.MaxBridgeDays),
		service.WithMergerLogger(log.With("component", "merge")),
	)
	return service.NewIngestor(archive, merger, idx, service.IngestConfig{
		Workers:      in.Workers,
		Window:       in.Window,
		FetchTimeout: in.FetchTimeout,
		From:         from,
		Until:        until,
	},
		service.WithCatalog(engine.Catalog()),
		service.WithObserver(metrics),
		service.WithIngestLogger(log.With("component", "ingest")),
	), nil
}

// checkpointer saves the index on demand and after scheduled rounds,
// recording metrics and refreshing the PostgreSQL copy when enabled.
type checkpointer struct {
	engine  *storage.Engine
	metrics *metric.Registry
	export  *pgexport.Exporter
	logger  *slog.Logger
}

func (c *checkpointer) Checkpoint(ctx context.Context) (*snapshot.Info, error) {
	start := time.Now()
	info, err := c.engine.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.CheckpointSaved(info.Size, time.Since(start))
	c.logger.Info("checkpoint saved", "name", info.Name, "entries", info.Entries, "size", info.Size)
	return info, nil
}

func (c *checkpointer) afterRound(ctx context.Context) error {
	if _, err := c.Checkpoint(ctx); err != nil {
		return err
	}
	if c.export == nil {
		return nil
	}
	res, err := c.export.Export(ctx, c.engine.Index().View())
	if err != nil {
		return fmt.Errorf("postgres export: %w", err)
	}
	c.logger.Info("postgres export finished", "rows", res.Rows)
	return nil
}

// watchLogLevel reapplies log.level whenever the config file changes.
func watchLogLevel(path string, log *slog.Logger) (*confloader.Watcher, error) {
	watcher, err := confloader.NewWatcher(path, confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	watcher.OnChange(func(string) {
		cfg, err := loadConfig(path)
		if err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("invalid log level", "level", cfg.Log.Level, "error", err)
			return
		}
		log.Info("log level changed", "level", cfg.Log.Level)
	})
	watcher.Start()
	return watcher, nil
}
