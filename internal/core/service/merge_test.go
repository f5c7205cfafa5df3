package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

func history(t *testing.T, idx *memory.Index, tal string, r domain.Roa) *domain.History {
	t.Helper()
	h, ok := idx.View().LookupExact(domain.RoaKey{TAL: tal, Roa: r})
	if !ok {
		t.Fatalf("no history for %s %s", tal, r)
	}
	if err := h.Validate(); err != nil {
		t.Fatalf("history of %s invalid: %v", r, err)
	}
	return h
}

func wantIntervals(t *testing.T, h *domain.History, want ...domain.Interval) {
	t.Helper()
	if len(h.Intervals) != len(want) {
		t.Fatalf("Intervals = %v, want %v", h.Intervals, want)
	}
	for i := range want {
		if h.Intervals[i] != want[i] {
			t.Fatalf("Intervals = %v, want %v", h.Intervals, want)
		}
	}
}

func TestMerger_GapHandling(t *testing.T) {
	idx := memory.New()
	m := NewMerger(idx, WithMergerLogger(discardLogger()))
	ctx := context.Background()
	r := roa(t, "10.0.0.0/24", 64500, 24)

	for d := domain.Date(1); d <= 5; d++ {
		s := set(r)
		if d == 3 {
			s = set()
		}
		if _, err := m.Apply(ctx, "arin", d, s); err != nil {
			t.Fatalf("Apply(%d) error = %v", d, err)
		}
	}
	h := history(t, idx, "arin", r)
	wantIntervals(t, h,
		domain.Interval{Start: 1, End: 2},
		domain.Interval{Start: 4, Open: true},
	)
	if !h.Current() {
		t.Error("Current() = false, want true: key present on day 5 must stay open")
	}
}

func TestMerger_Idempotent(t *testing.T) {
	idx := memory.New()
	m := NewMerger(idx, WithMergerLogger(discardLogger()))
	ctx := context.Background()
	a, b := roa(t, "10.0.0.0/24", 1, 24), roa(t, "10.0.1.0/24", 2, 24)

	if _, err := m.Apply(ctx, "arin", 1, set(a, b)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Apply(ctx, "arin", 2, set(a)); err != nil {
		t.Fatal(err)
	}
	before := idx.View()

	res, err := m.Apply(ctx, "arin", 2, set(a))
	if err != nil {
		t.Fatalf("second Apply error = %v", err)
	}
	if !res.Replayed {
		t.Error("Replayed = false")
	}
	if idx.View() != before {
		t.Error("replay published a new view")
	}
	wantIntervals(t, history(t, idx, "arin", a), domain.Interval{Start: 1, Open: true})
	wantIntervals(t, history(t, idx, "arin", b), domain.Interval{Start: 1, End: 1})
}

func TestMerger_RejectsOutOfOrder(t *testing.T) {
	idx := memory.New()
	m := NewMerger(idx, WithMergerLogger(discardLogger()))
	ctx := context.Background()
	r := roa(t, "10.0.0.0/24", 64500, 24)

	if _, err := m.Apply(ctx, "arin", 2, set(r)); err != nil {
		t.Fatal(err)
	}
	before := idx.View()
	_, err := m.Apply(ctx, "arin", 1, set(r))
	if !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("Apply(day 1 after day 2) error = %v, want ErrOutOfOrder", err)
	}
	if idx.View() != before {
		t.Error("rejected merge changed the index")
	}
	if wm := idx.View().Watermark("arin"); wm != 2 {
		t.Errorf("Watermark = %d, want 2", wm)
	}

	// Other anchors keep their own order.
	if _, err := m.Apply(ctx, "apnic", 1, set(r)); err != nil {
		t.Errorf("Apply(apnic day 1) error = %v", err)
	}
}

func TestMerger_FetchFailureClosesAndLaterReopens(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	idx := memory.New()
	m := NewMerger(idx, WithMergerLogger(logger))
	ctx := context.Background()
	r := roa(t, "192.0.2.0/24", 64496, 24)

	if _, err := m.Apply(ctx, "lacnic", 10, set(r)); err != nil {
		t.Fatal(err)
	}
	res, err := m.ApplyFailure(ctx, "lacnic", 11, domain.ErrFetchFailed)
	if err != nil {
		t.Fatalf("ApplyFailure() error = %v", err)
	}
	if res.Closed != 1 {
		t.Errorf("Closed = %d, want 1", res.Closed)
	}
	if !strings.Contains(logs.String(), "fetch failed, merging date as empty") {
		t.Errorf("substitution not logged: %s", logs.String())
	}
	if _, err := m.Apply(ctx, "lacnic", 12, set(r)); err != nil {
		t.Fatal(err)
	}

	wantIntervals(t, history(t, idx, "lacnic", r),
		domain.Interval{Start: 10, End: 10},
		domain.Interval{Start: 12, Open: true},
	)
}

func TestMerger_SkipPolicyBridges(t *testing.T) {
	idx := memory.New()
	m := NewMerger(idx, WithFailurePolicy(PolicySkip), WithMergerLogger(discardLogger()))
	ctx := context.Background()
	r := roa(t, "192.0.2.0/24", 64496, 24)

	if _, err := m.Apply(ctx, "lacnic", 10, set(r)); err != nil {
		t.Fatal(err)
	}
	res, err := m.ApplyFailure(ctx, "lacnic", 11, domain.ErrFetchFailed)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("Skipped = false")
	}
	if wm := idx.View().Watermark("lacnic"); wm != 10 {
		t.Errorf("Watermark = %d, want 10", wm)
	}
	res, err = m.Apply(ctx, "lacnic", 12, set(r))
	if err != nil {
		t.Fatal(err)
	}
	if res.Bridged != 1 || res.Continued != 1 {
		t.Errorf("Bridged = %d, Continued = %d, want 1 and 1", res.Bridged, res.Continued)
	}
	wantIntervals(t, history(t, idx, "lacnic", r), domain.Interval{Start: 10, Open: true})
}

func TestMerger_BridgeLimit(t *testing.T) {
	ctx := context.Background()
	r := roa(t, "198.51.100.0/24", 64497, 24)
	gone := roa(t, "203.0.113.0/24", 64498, 24)

	tests := []struct {
		name      string
		maxBridge int
		next      domain.Date
		want      []domain.Interval
	}{
		{"unlimited", 0, 20, []domain.Interval{{Start: 1, Open: true}}},
		{"within limit", 3, 5, []domain.Interval{{Start: 1, Open: true}}},
		{"over limit", 3, 6, []domain.Interval{{Start: 1, End: 1}, {Start: 6, Open: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := memory.New()
			m := NewMerger(idx, WithMaxBridgeDays(tt.maxBridge), WithMergerLogger(discardLogger()))
			if _, err := m.Apply(ctx, "afrinic", 1, set(r, gone)); err != nil {
				t.Fatal(err)
			}
			res, err := m.Apply(ctx, "afrinic", tt.next, set(r))
			if err != nil {
				t.Fatal(err)
			}
			wantIntervals(t, history(t, idx, "afrinic", r), tt.want...)
			wantIntervals(t, history(t, idx, "afrinic", gone), domain.Interval{Start: 1, End: 1})
			if res.Closed != 1 {
				t.Errorf("Closed = %d, want 1", res.Closed)
			}
		})
	}
}

func TestMerger_KnownGapsDoNotCount(t *testing.T) {
	idx := memory.New()
	m := NewMerger(idx, WithMaxBridgeDays(1), WithMergerLogger(discardLogger()))
	ctx := context.Background()
	r := roa(t, "10.0.0.0/24", 1, 24)

	// 2021-09-10 .. 2021-09-25 is a known archive gap.
	if _, err := m.Apply(ctx, "ripencc", domain.MustParseDate("2021-09-09"), set(r)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Apply(ctx, "ripencc", domain.MustParseDate("2021-09-26"), set(r)); err != nil {
		t.Fatal(err)
	}
	wantIntervals(t, history(t, idx, "ripencc", r), domain.Interval{Start: domain.MustParseDate("2021-09-09"), Open: true})
}

func TestMerger_CancelledContext(t *testing.T) {
	idx := memory.New()
	m := NewMerger(idx, WithMergerLogger(discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Apply(ctx, "arin", 1, set(roa(t, "10.0.0.0/8", 1, 8))); !errors.Is(err, context.Canceled) {
		t.Errorf("Apply() error = %v, want context.Canceled", err)
	}
	if idx.View().Len() != 0 {
		t.Error("cancelled merge wrote to the index")
	}
}

// TestMerger_RandomPresence replays random presence patterns and checks
// that histories reproduce exactly the days each key was present.
func TestMerger_RandomPresence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []domain.Roa{
		roa(t, "10.0.0.0/24", 1, 24),
		roa(t, "10.0.0.0/24", 2, 24),
		roa(t, "10.0.0.0/16", 1, 24),
		roa(t, "2001:db8::/32", 1, 48),
	}
	const days = 60

	idx := memory.New()
	m := NewMerger(idx, WithMergerLogger(discardLogger()))
	present := make(map[domain.Roa][]bool)
	for d := 0; d < days; d++ {
		s := set()
		for _, k := range keys {
			on := rng.Intn(3) != 0
			present[k] = append(present[k], on)
			if on {
				s.Add(k)
			}
		}
		if _, err := m.Apply(context.Background(), "apnic", domain.Date(d+1), s); err != nil {
			t.Fatalf("Apply(%d) error = %v", d, err)
		}
	}

	wm := idx.View().Watermark("apnic")
	for _, k := range keys {
		h, ok := idx.View().LookupExact(domain.RoaKey{TAL: "apnic", Roa: k})
		if !ok {
			continue
		}
		if err := h.Validate(); err != nil {
			t.Fatalf("%s: %v", k, err)
		}
		for d := 0; d < days; d++ {
			if got := h.ActiveOn(domain.Date(d+1), wm); got != present[k][d] {
				t.Fatalf("%s day %d: active = %v, want %v (history %v)", k, d, got, present[k][d], h.Intervals)
			}
		}
		if h.Current() != present[k][days-1] {
			t.Errorf("%s: Current() = %v", k, h.Current())
		}
	}
}

func TestParseFailurePolicy(t *testing.T) {
	if p, err := ParseFailurePolicy(""); err != nil || p != PolicyEmpty {
		t.Errorf("ParseFailurePolicy(\"\") = %v, %v", p, err)
	}
	if p, err := ParseFailurePolicy("skip"); err != nil || p != PolicySkip {
		t.Errorf("ParseFailurePolicy(skip) = %v, %v", p, err)
	}
	if _, err := ParseFailurePolicy("retry"); err == nil {
		t.Error("ParseFailurePolicy(retry) expected error")
	}
}
