package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/source"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
)

// Mode selects where a cycle starts.
type Mode string

const (
	// ModeBootstrap walks the full archive history from the configured
	// start date.
	ModeBootstrap Mode = "bootstrap"
	// ModeUpdate starts the day after the anchor watermark.
	ModeUpdate Mode = "update"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBootstrap, ModeUpdate:
		return Mode(s), nil
	}
	return "", domain.ErrInvalidQuery.WithDetailsf("unknown mode %q", s)
}

// Phase is the ingestion state of one anchor.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseListing  Phase = "listing"
	PhaseFetching Phase = "fetching"
	PhaseMerging  Phase = "merging"
)

// Outcomes reported to the Observer per date.
const (
	OutcomeMerged      = "merged"
	OutcomeSubstituted = "substituted"
	OutcomeSkipped     = "skipped"
	OutcomeReplayed    = "replayed"
)

// Catalog records per-file processing outcomes.
type Catalog interface {
	Record(ctx context.Context, rec *domain.FileRecord) error
}

// Observer receives ingestion measurements.
type Observer interface {
	DateProcessed(tal, outcome string)
	CycleFinished(tal string, elapsed time.Duration, watermark domain.Date, entries int)
}

type noopObserver struct{}

func (noopObserver) DateProcessed(string, string) {}

func (noopObserver) CycleFinished(string, time.Duration, domain.Date, int) {}

// IngestConfig tunes the pipeline.
type IngestConfig struct {
	// Workers bounds concurrent fetches.
	Workers int
	// Window bounds fetched-but-unmerged dates; defaults to 2*Workers.
	Window int
	// FetchTimeout applies to each fetch; zero disables it.
	FetchTimeout time.Duration
	// From is the first date considered by bootstrap (NoDate: earliest).
	From domain.Date
	// Until is the last date considered (NoDate: today).
	Until domain.Date
}

// CycleResult summarizes one ingestion cycle of one anchor.
type CycleResult struct {
	ID        string        `json:"id"`
	TAL       string        `json:"tal"`
	Mode      Mode          `json:"mode"`
	Listed    int           `json:"listed"`
	Merged    int           `json:"merged"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Dropped   int           `json:"dropped_rows"`
	First     domain.Date   `json:"first"`
	Last      domain.Date   `json:"last"`
	Watermark domain.Date   `json:"watermark"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled"`
	Error     string        `json:"error,omitempty"`
}

// AnchorStatus is the externally visible state of one anchor.
type AnchorStatus struct {
	TAL       string       `json:"tal"`
	Phase     Phase        `json:"phase"`
	CycleID   string       `json:"cycle_id,omitempty"`
	Watermark domain.Date  `json:"watermark"`
	Last      *CycleResult `json:"last_cycle,omitempty"`
}

type anchorRun struct {
	phase   Phase
	cycleID string
	last    *CycleResult
}

// Ingestor walks un-ingested dates of each anchor, fetching in
// parallel and merging strictly in date order.
type Ingestor struct {
	src     source.Source
	merger  *Merger
	idx     *memory.Index
	cfg     IngestConfig
	catalog Catalog
	obs     Observer
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*anchorRun
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithCatalog records every processed file.
func WithCatalog(c Catalog) IngestorOption {
	return func(i *Ingestor) {
		i.catalog = c
	}
}

// WithObserver reports ingestion measurements.
func WithObserver(o Observer) IngestorOption {
	return func(i *Ingestor) {
		i.obs = o
	}
}

// WithIngestLogger sets the logger.
func WithIngestLogger(l *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		i.logger = l
	}
}

// NewIngestor creates an Ingestor.
func NewIngestor(src source.Source, merger *Merger, idx *memory.Index, cfg IngestConfig, opts ...IngestorOption) *Ingestor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Window < cfg.Workers {
		cfg.Window = 2 * cfg.Workers
	}
	i := &Ingestor{
		src:    src,
		merger: merger,
		idx:    idx,
		cfg:    cfg,
		obs:    noopObserver{},
		logger: slog.Default(),
		states: make(map[string]*anchorRun),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Busy reports whether a cycle is running for tal.
func (i *Ingestor) Busy(tal string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := i.states[tal]
	return st != nil && st.phase != PhaseIdle
}

// Status returns the state of every anchor that was ever run or
// has a watermark, sorted by name.
func (i *Ingestor) Status() []AnchorStatus {
	view := i.idx.View()
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]AnchorStatus, 0, len(domain.KnownAnchors))
	for _, tal := range domain.KnownAnchors {
		st := i.states[tal]
		wm := view.Watermark(tal)
		if st == nil && !wm.IsSet() {
			continue
		}
		as := AnchorStatus{TAL: tal, Phase: PhaseIdle, Watermark: wm}
		if st != nil {
			as.Phase = st.phase
			as.CycleID = st.cycleID
			as.Last = st.last
		}
		out = append(out, as)
	}
	return out
}

// RunAll runs one cycle per anchor concurrently. Failures of one
// anchor do not stop the others; they are joined into the error.
func (i *Ingestor) RunAll(ctx context.Context, tals []string, mode Mode) ([]*CycleResult, error) {
	results := make([]*CycleResult, len(tals))
	errs := make([]error, len(tals))
	var g errgroup.Group
	for n, tal := range tals {
		g.Go(func() error {
			results[n], errs[n] = i.RunCycle(ctx, tal, mode)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// RunCycle ingests every available date of tal after its watermark.
//
// A failed listing leaves the index untouched. Failed fetches follow
// the merger's failure policy. A merge error ends the cycle; dates
// merged before it stay merged. Cancellation takes effect between
// dates.
func (i *Ingestor) RunCycle(ctx context.Context, tal string, mode Mode) (*CycleResult, error) {
	if !domain.ValidAnchor(tal) {
		return nil, domain.ErrUnknownAnchor.WithDetails(tal)
	}
	res := &CycleResult{
		ID:        ulid.Make().String(),
		TAL:       tal,
		Mode:      mode,
		First:     domain.NoDate,
		Last:      domain.NoDate,
		StartedAt: time.Now(),
	}
	if err := i.begin(tal, res.ID); err != nil {
		return nil, err
	}

	log := i.logger.With("tal", tal, "cycle_id", res.ID)
	err := i.runSafe(logger.WithCycleID(ctx, res.ID), res, log)
	res.Duration = time.Since(res.StartedAt)
	res.Watermark = i.idx.View().Watermark(tal)
	if err != nil {
		res.Error = err.Error()
	}
	i.finish(tal, res)
	i.obs.CycleFinished(tal, res.Duration, res.Watermark, i.idx.View().Len())

	log.Info("ingestion cycle finished",
		"mode", string(mode),
		"listed", res.Listed,
		"merged", res.Merged,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"watermark", res.Watermark.String(),
		"cancelled", res.Cancelled,
		"duration", res.Duration)
	return res, err
}

// runSafe turns a panic of the source or the merge into a cycle error
// so the anchor returns to idle.
func (i *Ingestor) runSafe(ctx context.Context, res *CycleResult, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during ingestion cycle",
				"panic", r,
				"stack", string(debug.Stack()))
			err = domain.ErrInternal.WithDetailsf("panic: %v", r)
		}
	}()
	return i.run(ctx, res, log)
}

func (i *Ingestor) run(ctx context.Context, res *CycleResult, log *slog.Logger) error {
	tal := res.TAL
	wm := i.idx.View().Watermark(tal)

	from := i.cfg.From
	if res.Mode == ModeUpdate {
		if wm.IsSet() {
			from = wm.Next()
		} else {
			log.Info("anchor has no watermark, bootstrapping")
		}
	}
	if wm.IsSet() && (!from.IsSet() || from <= wm) {
		from = wm.Next()
	}
	until := i.cfg.Until
	if !until.IsSet() {
		until = domain.Today()
	}

	i.setPhase(tal, PhaseListing)
	dates, err := i.src.ListDates(ctx, tal, from, until)
	if err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
		}
		log.Warn("listing failed", "error", err)
		return fmt.Errorf("list %s: %w", tal, err)
	}
	res.Listed = len(dates)
	if len(dates) == 0 {
		log.Debug("no new dates")
		return nil
	}
	log.Info("ingesting dates",
		"mode", string(res.Mode),
		"count", len(dates),
		"from", dates[0].String(),
		"to", dates[len(dates)-1].String())

	i.setPhase(tal, PhaseFetching)
	pipeCtx, stop := context.WithCancel(ctx)
	slots := i.fetchAll(pipeCtx, tal, dates)
	defer func() {
		stop()
		slots.wait()
	}()

	for n, date := range dates {
		var fr fetchResult
		select {
		case fr = <-slots.results[n]:
		case <-ctx.Done():
			res.Cancelled = true
			return ctx.Err()
		}
		slots.release()

		if ctx.Err() != nil {
			res.Cancelled = true
			return ctx.Err()
		}

		i.setPhase(tal, PhaseMerging)
		if err := i.mergeOne(ctx, res, date, fr, log); err != nil {
			return err
		}
		i.setPhase(tal, PhaseFetching)
	}
	return nil
}

// mergeOne applies one fetched date and records its outcome.
func (i *Ingestor) mergeOne(ctx context.Context, res *CycleResult, date domain.Date, fr fetchResult, log *slog.Logger) error {
	rec := &domain.FileRecord{
		TAL:     res.TAL,
		Date:    date,
		CycleID: res.ID,
	}

	var (
		mr  *MergeResult
		err error
	)
	if fr.err != nil {
		res.Failed++
		rec.Error = fr.err.Error()
		mr, err = i.merger.ApplyFailure(ctx, res.TAL, date, fr.err)
	} else {
		rec.URL = fr.dump.URL
		rec.Rows = fr.dump.Rows
		rec.Dropped = fr.dump.Dropped
		rec.Roas = len(fr.dump.Roas)
		res.Dropped += fr.dump.Dropped
		mr, err = i.merger.Apply(ctx, res.TAL, date, fr.dump.Roas)
	}
	if err != nil {
		log.Error("merge failed, aborting cycle",
			"date", date.String(),
			"error", err)
		return err
	}

	outcome := OutcomeMerged
	switch {
	case mr.Skipped:
		outcome = OutcomeSkipped
		rec.Status = domain.FileSkipped
		res.Skipped++
	case mr.Replayed:
		outcome = OutcomeReplayed
		rec.Status = domain.FileMerged
	case fr.err != nil:
		outcome = OutcomeSubstituted
		rec.Status = domain.FileSubstituted
	default:
		rec.Status = domain.FileMerged
	}
	if !mr.Skipped && !mr.Replayed {
		res.Merged++
		if !res.First.IsSet() {
			res.First = date
		}
		res.Last = date
	}
	i.obs.DateProcessed(res.TAL, outcome)

	log.Debug("date merged",
		"date", date.String(),
		"outcome", outcome,
		"present", mr.Present,
		"opened", mr.Opened,
		"closed", mr.Closed,
		"bridged", mr.Bridged)

	if i.catalog != nil {
		rec.ProcessedAt = time.Now().UTC()
		if err := i.catalog.Record(ctx, rec); err != nil {
			log.Warn("catalog write failed", "date", date.String(), "error", err)
		}
	}
	return nil
}

type fetchResult struct {
	dump *source.Dump
	err  error
}

// fetchSlots is the reorder buffer: one single-use channel per date,
// consumed in date order, plus a window limiting how far fetching may
// run ahead of merging.
type fetchSlots struct {
	results []chan fetchResult
	window  chan struct{}
	done    chan struct{}
	group   *errgroup.Group
}

func (s *fetchSlots) release() {
	<-s.window
}

// wait blocks until the producer and every fetch have returned.
func (s *fetchSlots) wait() {
	<-s.done
	_ = s.group.Wait()
}

func (i *Ingestor) fetchAll(ctx context.Context, tal string, dates []domain.Date) *fetchSlots {
	s := &fetchSlots{
		results: make([]chan fetchResult, len(dates)),
		window:  make(chan struct{}, i.cfg.Window),
		done:    make(chan struct{}),
		group:   &errgroup.Group{},
	}
	for n := range s.results {
		s.results[n] = make(chan fetchResult, 1)
	}
	s.group.SetLimit(i.cfg.Workers)

	go func() {
		defer close(s.done)
		for n, date := range dates {
			select {
			case s.window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			s.group.Go(func() error {
				s.results[n] <- i.fetchOne(ctx, tal, date)
				return nil
			})
		}
	}()
	return s
}

func (i *Ingestor) fetchOne(ctx context.Context, tal string, date domain.Date) (fr fetchResult) {
	defer func() {
		if r := recover(); r != nil {
			fr = fetchResult{err: domain.ErrFetchFailed.WithDetailsf("panic: %v", r)}
		}
	}()
	if i.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.FetchTimeout)
		defer cancel()
	}
	dump, err := i.src.Fetch(ctx, tal, date)
	if err == nil && dump == nil {
		err = domain.ErrFetchFailed.WithDetails("source returned no dump")
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrFetchFailed) {
		err = domain.ErrFetchFailed.WithCause(err).WithDetails("timeout")
	}
	return fetchResult{dump: dump, err: err}
}

func (i *Ingestor) begin(tal, cycleID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := i.states[tal]
	if st == nil {
		st = &anchorRun{phase: PhaseIdle}
		i.states[tal] = st
	}
	if st.phase != PhaseIdle {
		return domain.ErrCycleInProgress.WithDetailsf("%s cycle %s", tal, st.cycleID)
	}
	st.phase = PhaseListing
	st.cycleID = cycleID
	return nil
}

func (i *Ingestor) setPhase(tal string, p Phase) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if st := i.states[tal]; st != nil {
		st.phase = p
	}
}

func (i *Ingestor) finish(tal string, res *CycleResult) {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := i.states[tal]
	st.phase = PhaseIdle
	st.cycleID = ""
	st.last = res
}
