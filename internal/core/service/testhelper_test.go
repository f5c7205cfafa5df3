package service

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func roa(t testing.TB, prefix string, asn uint32, maxLen int) domain.Roa {
	t.Helper()
	r, err := domain.NewRoa(netip.MustParsePrefix(prefix), asn, maxLen)
	if err != nil {
		t.Fatalf("NewRoa(%s) error = %v", prefix, err)
	}
	return r
}

func set(roas ...domain.Roa) domain.RoaSet {
	s := make(domain.RoaSet, len(roas))
	for _, r := range roas {
		s.Add(r)
	}
	return s
}

// fakeSource serves canned dumps. Dates listed in fail return the
// mapped error; delay stalls individual fetches.
type fakeSource struct {
	mu      sync.Mutex
	dumps   map[string]map[domain.Date]domain.RoaSet
	fail    map[domain.Date]error
	delay   map[domain.Date]time.Duration
	listErr error
	fetched []domain.Date
	active  int
	peak    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		dumps: make(map[string]map[domain.Date]domain.RoaSet),
		fail:  make(map[domain.Date]error),
		delay: make(map[domain.Date]time.Duration),
	}
}

func (f *fakeSource) add(tal string, date domain.Date, s domain.RoaSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dumps[tal] == nil {
		f.dumps[tal] = make(map[domain.Date]domain.RoaSet)
	}
	f.dumps[tal][date] = s
}

func (f *fakeSource) ListDates(_ context.Context, tal string, from, until domain.Date) ([]domain.Date, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Date
	for d := range f.dumps[tal] {
		if from.IsSet() && d < from || until.IsSet() && d > until {
			continue
		}
		out = append(out, d)
	}
	for d := range f.fail {
		if _, ok := f.dumps[tal][d]; !ok && (!from.IsSet() || d >= from) && (!until.IsSet() || d <= until) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeSource) Fetch(ctx context.Context, tal string, date domain.Date) (*source.Dump, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, date)
	f.active++
	f.peak = max(f.peak, f.active)
	delay := f.delay[date]
	failErr := f.fail[date]
	roas, ok := f.dumps[tal][date]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.ErrFetchFailed.WithCause(ctx.Err())
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if !ok {
		return nil, domain.ErrFetchFailed.WithDetails("404")
	}
	return &source.Dump{TAL: tal, Date: date, URL: "mem://" + tal + "/" + date.String(), Roas: roas, Rows: len(roas)}, nil
}

// memCatalog collects records.
type memCatalog struct {
	mu   sync.Mutex
	recs []*domain.FileRecord
}

func (c *memCatalog) Record(_ context.Context, rec *domain.FileRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

// recordingObserver counts outcomes.
type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
	cycles   int
}

func (o *recordingObserver) DateProcessed(_ string, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func (o *recordingObserver) CycleFinished(string, time.Duration, domain.Date, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles++
}
