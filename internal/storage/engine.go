package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
)

// Default configuration values.
const (
	DefaultCheckpointInterval = time.Hour
	DefaultCheckpointDir      = "data/checkpoints"
	DefaultCatalogDir         = "data/catalog"
)

// Config configures the storage engine.
type Config struct {
	// CheckpointLocation is a directory, file:// or azblob:// URL.
	CheckpointLocation string

	Checkpoint snapshot.Config

	// CheckpointInterval is the interval between automatic checkpoints.
	// Zero disables them.
	CheckpointInterval time.Duration

	// Badger configures the file catalog. An empty Badger.Dir keeps the
	// catalog in memory.
	Badger BadgerConfig

	// Logger is the structured logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig(dataDir string) Config {
	return Config{
		CheckpointLocation: dataDir + "/" + DefaultCheckpointDir,
		Checkpoint: snapshot.Config{
			Keep:        snapshot.DefaultKeep,
			Compression: snapshot.CompressionZstd,
		},
		CheckpointInterval: DefaultCheckpointInterval,
		Badger:             DefaultBadgerConfig(dataDir + "/" + DefaultCatalogDir),
		Logger:             slog.Default(),
	}
}

// Engine ties the in-memory index to the checkpoint store and the file
// catalog.
type Engine struct {
	cfg Config

	index    *memory.Index
	snapshot *snapshot.Manager
	kv       *BadgerEngine
	catalog  *Catalog

	// ckMu serializes checkpoints; saved is the last persisted view.
	ckMu  sync.Mutex
	saved *memory.View

	logger *slog.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New creates a storage engine.
//
// This initializes all components but does NOT perform recovery.
// Call Recover() after New() to load existing data.
func New(cfg Config) (*Engine, error) {
	if cfg.CheckpointLocation == "" {
		return nil, fmt.Errorf("storage: checkpoint location is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mgr, err := snapshot.Open(cfg.CheckpointLocation, cfg.Checkpoint,
		snapshot.WithLogger(cfg.Logger.With("component", "checkpoint")))
	if err != nil {
		return nil, fmt.Errorf("storage: open checkpoint store: %w", err)
	}

	kv, err := NewBadgerEngine(cfg.Badger, cfg.Logger.With("component", "catalog"))
	if err != nil {
		return nil, fmt.Errorf("storage: open catalog: %w", err)
	}

	idx := memory.New()
	engine := &Engine{
		cfg:      cfg,
		index:    idx,
		snapshot: mgr,
		kv:       kv,
		catalog:  NewCatalog(kv),
		saved:    idx.View(),
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if cfg.CheckpointInterval > 0 {
		go engine.backgroundLoop()
	} else {
		close(engine.doneCh)
	}

	return engine, nil
}

// Index returns the in-memory ROA index.
func (e *Engine) Index() *memory.Index { return e.index }

// Catalog returns the file catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Snapshot returns the checkpoint manager.
func (e *Engine) Snapshot() *snapshot.Manager { return e.snapshot }

// KV returns the key-value engine behind the catalog.
func (e *Engine) KV() *BadgerEngine { return e.kv }

// Recover loads the newest usable checkpoint into the index.
//
// A missing, corrupt or incompatible store leaves the index empty and
// returns a nil Info; a bootstrap rebuilds it. Decryption and transport
// errors are returned.
func (e *Engine) Recover(ctx context.Context) (*snapshot.Info, error) {
	startTime := time.Now()
	e.logger.Info("storage recovery started", "location", e.snapshot.Location())

	ck, info, err := e.snapshot.Load(ctx)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCheckpointNotFound):
			e.logger.Info("no checkpoint found, starting with empty index")
			return nil, nil
		case errors.Is(err, domain.ErrCheckpointCorrupt), errors.Is(err, domain.ErrCheckpointVersion):
			e.logger.Warn("no usable checkpoint, starting with empty index", "error", err)
			return nil, nil
		default:
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
	}

	if err := ck.Restore(e.index); err != nil {
		e.logger.Warn("checkpoint failed validation, starting with empty index",
			"checkpoint", info.Name,
			"error", err)
		e.index.Reset()
		e.markSaved(e.index.View())
		return nil, nil
	}
	e.markSaved(e.index.View())

	e.logger.Info("recovery completed",
		"checkpoint", info.Name,
		"entries", info.Entries,
		"anchors", len(info.Anchors),
		"elapsed", time.Since(startTime))
	return info, nil
}

func (e *Engine) markSaved(v *memory.View) {
	e.ckMu.Lock()
	e.saved = v
	e.ckMu.Unlock()
}

// Dirty reports whether the index changed since the last checkpoint.
func (e *Engine) Dirty() bool {
	e.ckMu.Lock()
	defer e.ckMu.Unlock()
	return e.saved != e.index.View()
}

// Checkpoint writes the current index view.
func (e *Engine) Checkpoint(ctx context.Context) (*snapshot.Info, error) {
	e.ckMu.Lock()
	defer e.ckMu.Unlock()

	view := e.index.View()
	info, err := e.snapshot.Save(ctx, view)
	if err != nil {
		return nil, err
	}
	e.saved = view
	return info, nil
}

// CheckpointIfDirty writes a checkpoint only when the index changed.
func (e *Engine) CheckpointIfDirty(ctx context.Context) error {
	if !e.Dirty() {
		return nil
	}
	_, err := e.Checkpoint(ctx)
	return err
}

// backgroundLoop writes periodic checkpoints.
func (e *Engine) backgroundLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CheckpointInterval)
			if err := e.CheckpointIfDirty(ctx); err != nil {
				e.logger.Error("periodic checkpoint failed", "error", err)
			}
			cancel()

		case <-e.stopCh:
			return
		}
	}
}

// Close stops the background loop, writes a final checkpoint when the
// index changed and closes the catalog.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.logger.Info("storage engine shutting down")
		close(e.stopCh)
		<-e.doneCh

		if cerr := e.CheckpointIfDirty(ctx); cerr != nil {
			e.logger.Error("final checkpoint failed", "error", cerr)
			err = cerr
		}
		if cerr := e.kv.Close(); cerr != nil && err == nil {
			err = cerr
		}
		e.logger.Info("storage engine shutdown complete")
	})
	return err
}
