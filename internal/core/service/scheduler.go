package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// CheckpointFunc persists the index after a cycle merged new dates.
type CheckpointFunc func(ctx context.Context) error

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	TALs     []string
	Interval time.Duration
	// CycleTimeout bounds one round over all anchors; zero disables it.
	CycleTimeout time.Duration
	// RunOnStart runs a round immediately instead of after Interval.
	RunOnStart bool
}

// Scheduler runs update cycles for every anchor on a timer and
// checkpoints after each round that merged something. Errors and
// panics of a round are logged and never stop the loop.
type Scheduler struct {
	ing        *Ingestor
	checkpoint CheckpointFunc
	cfg        SchedulerConfig
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	started atomic.Bool
	doneCh  chan struct{}
}

// NewScheduler creates a Scheduler. checkpoint may be nil.
func NewScheduler(ing *Ingestor, checkpoint CheckpointFunc, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.TALs) == 0 {
		cfg.TALs = domain.KnownAnchors
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ing:        ing,
		checkpoint: checkpoint,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		doneCh:     make(chan struct{}),
	}
}

// Start launches the periodic loop.
func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.loop()
	}
}

// Stop cancels running cycles and waits for the loop and any
// triggered cycles to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.once.Do(s.cancel)
	waited := make(chan struct{})
	go func() {
		if s.started.Load() {
			<-s.doneCh
		}
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger starts a cycle for tal in the background. It fails with
// ErrCycleInProgress if the anchor is busy and returns immediately.
func (s *Scheduler) Trigger(tal string, mode Mode) error {
	if !domain.ValidAnchor(tal) {
		return domain.ErrUnknownAnchor.WithDetails(tal)
	}
	if s.ing.Busy(tal) {
		return domain.ErrCycleInProgress.WithDetails(tal)
	}
	if s.ctx.Err() != nil {
		return domain.ErrNotReady.WithDetails("scheduler stopped")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(func(ctx context.Context) (bool, error) {
			res, err := s.ing.RunCycle(ctx, tal, mode)
			return res != nil && res.Merged > 0, err
		})
	}()
	return nil
}

// RunOnce runs one round over all anchors synchronously.
func (s *Scheduler) RunOnce() {
	s.supervise(func(ctx context.Context) (bool, error) {
		results, err := s.ing.RunAll(ctx, s.cfg.TALs, ModeUpdate)
		merged := false
		for _, r := range results {
			if r != nil && r.Merged > 0 {
				merged = true
			}
		}
		return merged, err
	})
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	if s.cfg.RunOnStart {
		s.RunOnce()
	}
	if s.cfg.Interval <= 0 {
		<-s.ctx.Done()
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-s.ctx.Done():
			return
		}
	}
}

// supervise runs fn, checkpointing when it merged something, and
// absorbs every error and panic.
func (s *Scheduler) supervise(fn func(ctx context.Context) (bool, error)) {
	ctx := s.ctx
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	merged, err := s.protect(ctx, fn)
	if err != nil {
		s.logger.Error("ingestion round failed", "error", err)
	}
	if !merged || s.checkpoint == nil {
		return
	}
	// The checkpoint is written even when the round was cancelled so
	// merged dates survive shutdown.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()
	if _, err := s.protect(cctx, func(ctx context.Context) (bool, error) {
		return false, s.checkpoint(ctx)
	}); err != nil {
		s.logger.Error("checkpoint failed", "error", err)
	}
}

func (s *Scheduler) protect(ctx context.Context, fn func(ctx context.Context) (bool, error)) (merged bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled task",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
