package memory

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

func key(t testing.TB, tal, prefix string, asn uint32, maxLen int) domain.RoaKey {
	t.Helper()
	r, err := domain.NewRoa(netip.MustParsePrefix(prefix), asn, maxLen)
	if err != nil {
		t.Fatalf("NewRoa(%s) error = %v", prefix, err)
	}
	return domain.RoaKey{TAL: tal, Roa: r}
}

// apply runs one date through a batch the same way the merge engine does.
func apply(t *testing.T, idx *Index, tal string, date domain.Date, keys ...domain.RoaKey) {
	t.Helper()
	b := idx.Begin()
	defer b.Discard()

	prev := b.OpenKeys(tal)
	present := make(map[domain.RoaKey]bool)
	for _, k := range keys {
		present[k] = true
		if err := b.UpsertOpen(k, date); err != nil {
			t.Fatalf("UpsertOpen(%s, %s) error = %v", k, date, err)
		}
	}
	for _, k := range prev {
		if !present[k] {
			if err := b.CloseIfOpen(k, date); err != nil {
				t.Fatalf("CloseIfOpen(%s) error = %v", k, err)
			}
		}
	}
	b.SetWatermark(tal, date)
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func mustHistory(t *testing.T, v *View, k domain.RoaKey) *domain.History {
	t.Helper()
	h, ok := v.LookupExact(k)
	if !ok {
		t.Fatalf("LookupExact(%s) not found", k)
	}
	if err := h.Validate(); err != nil {
		t.Fatalf("history of %s invalid: %v", k, err)
	}
	return h
}

func TestUpsertOpen_NewKey(t *testing.T) {
	idx := New()
	k := key(t, "arin", "10.0.0.0/24", 64500, 24)
	apply(t, idx, "arin", 10, k)

	h := mustHistory(t, idx.View(), k)
	if len(h.Intervals) != 1 || h.Intervals[0] != (domain.Interval{Start: 10, Open: true}) {
		t.Fatalf("Intervals = %v, want [[10,-]]", h.Intervals)
	}
	if !h.Current() {
		t.Error("Current() = false, want true")
	}
}

func TestUpsertOpen_ExtendDoesNotAllocate(t *testing.T) {
	idx := New()
	k := key(t, "arin", "10.0.0.0/24", 64500, 24)
	apply(t, idx, "arin", 1, k)
	before := mustHistory(t, idx.View(), k)

	apply(t, idx, "arin", 2, k)
	after := mustHistory(t, idx.View(), k)
	if before != after {
		t.Error("extension cloned the history")
	}
	if got := idx.View().Watermark("arin"); got != 2 {
		t.Errorf("Watermark = %d, want 2", got)
	}
}

func TestGapProducesTwoIntervals(t *testing.T) {
	idx := New()
	k := key(t, "ripencc", "193.0.0.0/21", 3333, 21)
	for _, d := range []domain.Date{1, 2} {
		apply(t, idx, "ripencc", d, k)
	}
	apply(t, idx, "ripencc", 3)
	for _, d := range []domain.Date{4, 5} {
		apply(t, idx, "ripencc", d, k)
	}

	h := mustHistory(t, idx.View(), k)
	want := []domain.Interval{{Start: 1, End: 2}, {Start: 4, Open: true}}
	if len(h.Intervals) != len(want) {
		t.Fatalf("Intervals = %v, want %v", h.Intervals, want)
	}
	for i := range want {
		if h.Intervals[i] != want[i] {
			t.Errorf("Intervals[%d] = %v, want %v", i, h.Intervals[i], want[i])
		}
	}
	if end := h.Intervals[1].EndAt(idx.View().Watermark("ripencc")); end != 5 {
		t.Errorf("open interval ends at %d, want 5", end)
	}

	apply(t, idx, "ripencc", 6)
	h = mustHistory(t, idx.View(), k)
	if h.Current() || h.Intervals[1] != (domain.Interval{Start: 4, End: 5}) {
		t.Errorf("after close Intervals = %v", h.Intervals)
	}
}

func TestUpsertOpen_OutOfOrder(t *testing.T) {
	idx := New()
	k := key(t, "arin", "10.0.0.0/24", 64500, 24)
	apply(t, idx, "arin", 5, k)
	apply(t, idx, "arin", 6)

	b := idx.Begin()
	defer b.Discard()
	if err := b.UpsertOpen(k, 5); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Errorf("UpsertOpen(5) after close at 5 error = %v, want ErrOutOfOrder", err)
	}
	if err := b.UpsertOpen(k, 3); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Errorf("UpsertOpen(3) error = %v, want ErrOutOfOrder", err)
	}
}

func TestUpsertOpen_ReopenAdjacent(t *testing.T) {
	idx := New()
	k := key(t, "arin", "10.0.0.0/24", 64500, 24)

	b := idx.Begin()
	if err := b.UpsertOpen(k, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.CloseIfOpen(k, 3); err != nil {
		t.Fatal(err)
	}
	if err := b.UpsertOpen(k, 3); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	h := mustHistory(t, idx.View(), k)
	if len(h.Intervals) != 1 || !h.Intervals[0].Open {
		t.Errorf("Intervals = %v, want a single reopened interval", h.Intervals)
	}
}

func TestCloseIfOpen(t *testing.T) {
	idx := New()
	k := key(t, "arin", "10.0.0.0/24", 64500, 24)
	unknown := key(t, "arin", "10.9.0.0/24", 64500, 24)
	apply(t, idx, "arin", 4, k)

	b := idx.Begin()
	if err := b.CloseIfOpen(k, 4); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Errorf("closing on the opening day error = %v, want ErrOutOfOrder", err)
	}
	if err := b.CloseIfOpen(unknown, 9); err != nil {
		t.Errorf("CloseIfOpen(unknown) error = %v", err)
	}
	if err := b.CloseIfOpen(k, 6); err != nil {
		t.Fatal(err)
	}
	// Second close is a no-op.
	if err := b.CloseIfOpen(k, 8); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	h := mustHistory(t, idx.View(), k)
	if h.Intervals[0] != (domain.Interval{Start: 4, End: 5}) {
		t.Errorf("Intervals = %v, want [[4,5]]", h.Intervals)
	}
	if _, ok := idx.View().LookupExact(unknown); ok {
		t.Error("CloseIfOpen created a history")
	}
}

func TestDiscard_LeavesViewUntouched(t *testing.T) {
	idx := New()
	k := key(t, "arin", "10.0.0.0/24", 64500, 24)
	apply(t, idx, "arin", 1, k)
	before := idx.View()

	b := idx.Begin()
	if err := b.CloseIfOpen(k, 2); err != nil {
		t.Fatal(err)
	}
	if err := b.UpsertOpen(key(t, "arin", "10.1.0.0/24", 1, 24), 2); err != nil {
		t.Fatal(err)
	}
	b.SetWatermark("arin", 2)
	b.Discard()

	if idx.View() != before {
		t.Fatal("Discard published a new view")
	}
	h := mustHistory(t, before, k)
	if !h.Current() {
		t.Error("discarded close leaked into the published history")
	}
	if before.Len() != 1 {
		t.Errorf("Len() = %d, want 1", before.Len())
	}

	// Open set must not carry the discarded close.
	b = idx.Begin()
	defer b.Discard()
	if got := len(b.OpenKeys("arin")); got != 1 {
		t.Errorf("OpenKeys() = %d keys, want 1", got)
	}
	if err := b.UpsertOpen(k, 5); err != nil {
		t.Errorf("batch after discard error = %v", err)
	}
}

func TestBatch_UseAfterCommit(t *testing.T) {
	idx := New()
	b := idx.Begin()
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	b.Discard()
	k := key(t, "arin", "10.0.0.0/24", 1, 24)
	if err := b.UpsertOpen(k, 1); !errors.Is(err, domain.ErrBatchClosed) {
		t.Errorf("UpsertOpen after Commit error = %v", err)
	}
	if err := b.Commit(); !errors.Is(err, domain.ErrBatchClosed) {
		t.Errorf("second Commit error = %v", err)
	}
}

func TestUpsertOpen_RejectsInvalidKey(t *testing.T) {
	idx := New()
	b := idx.Begin()
	defer b.Discard()

	bad := domain.RoaKey{TAL: "arin", Roa: domain.Roa{Prefix: netip.MustParsePrefix("10.0.0.0/24"), ASN: 1, MaxLen: 8}}
	if err := b.UpsertOpen(bad, 1); !errors.Is(err, domain.ErrInvalidKey) {
		t.Errorf("UpsertOpen(maxlen<len) error = %v", err)
	}
	noTAL := key(t, "", "10.0.0.0/24", 1, 24)
	if err := b.UpsertOpen(noTAL, 1); !errors.Is(err, domain.ErrInvalidKey) {
		t.Errorf("UpsertOpen(no tal) error = %v", err)
	}
}

func TestAnchorsAreIndependent(t *testing.T) {
	idx := New()
	arin := key(t, "arin", "10.0.0.0/24", 64500, 24)
	ripe := key(t, "ripencc", "10.0.0.0/24", 64500, 24)
	apply(t, idx, "arin", 1, arin)
	apply(t, idx, "ripencc", 1, ripe)
	apply(t, idx, "arin", 2)

	v := idx.View()
	if mustHistory(t, v, arin).Current() {
		t.Error("arin key still current")
	}
	if !mustHistory(t, v, ripe).Current() {
		t.Error("ripencc key closed by arin merge")
	}
	anchors := v.Anchors()
	if len(anchors) != 2 || anchors[0].Name != "arin" || anchors[0].Watermark != 2 || anchors[1].Watermark != 1 {
		t.Errorf("Anchors() = %v", anchors)
	}
	if v.LatestDate() != 2 {
		t.Errorf("LatestDate() = %d, want 2", v.LatestDate())
	}
	st := v.Stats()
	if st.IPv4 != 2 || st.IPv6 != 0 || st.Prefixes != 1 || st.Open["ripencc"] != 1 || st.Open["arin"] != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestLookupPrefix_Modes(t *testing.T) {
	idx := New()
	keys := []domain.RoaKey{
		key(t, "arin", "10.0.0.0/8", 1, 8),
		key(t, "arin", "10.0.0.0/16", 2, 24),
		key(t, "arin", "10.0.1.0/24", 3, 24),
		key(t, "arin", "10.1.0.0/16", 4, 16),
		key(t, "arin", "2001:db8::/32", 5, 48),
	}
	apply(t, idx, "arin", 1, keys...)
	v := idx.View()

	asns := func(es []Entry) []uint32 {
		var out []uint32
		for _, e := range es {
			out = append(out, e.Key.ASN)
		}
		return out
	}
	tests := []struct {
		name   string
		prefix string
		mode   MatchMode
		want   []uint32
	}{
		{"exact hit", "10.0.0.0/16", MatchExact, []uint32{2}},
		{"exact miss", "10.0.0.0/20", MatchExact, nil},
		{"covering", "10.0.1.0/24", MatchCovering, []uint32{1, 2, 3}},
		{"covering unstored", "10.0.1.128/25", MatchCovering, []uint32{1, 2, 3}},
		{"longest", "10.0.1.128/25", MatchLongest, []uint32{3}},
		{"longest falls back", "10.200.0.0/16", MatchLongest, []uint32{1}},
		{"longest none", "11.0.0.0/8", MatchLongest, nil},
		{"more specific", "10.0.0.0/8", MatchMoreSpecific, []uint32{1, 2, 3, 4}},
		{"more specific v6", "2001:db8::/16", MatchMoreSpecific, []uint32{5}},
		{"v6 does not see v4", "::/0", MatchMoreSpecific, []uint32{5}},
		{"unmasked query", "10.0.1.77/24", MatchExact, []uint32{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := asns(v.LookupPrefix(netip.MustParsePrefix(tt.prefix), tt.mode))
			if len(got) != len(tt.want) {
				t.Fatalf("LookupPrefix() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("LookupPrefix() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestLookupASN(t *testing.T) {
	idx := New()
	apply(t, idx, "arin", 1,
		key(t, "arin", "10.1.0.0/16", 64500, 16),
		key(t, "arin", "10.0.0.0/16", 64500, 16),
		key(t, "arin", "10.0.0.0/16", 64500, 24),
		key(t, "arin", "10.0.0.0/16", 64501, 16),
		key(t, "arin", "2001:db8::/32", 64500, 32),
	)
	apply(t, idx, "lacnic", 1, key(t, "lacnic", "10.0.0.0/16", 64500, 16))

	got := idx.View().LookupASN(64500)
	want := []string{
		"arin 10.0.0.0/16-16 AS64500",
		"lacnic 10.0.0.0/16-16 AS64500",
		"arin 10.0.0.0/16-24 AS64500",
		"arin 10.1.0.0/16-16 AS64500",
		"arin 2001:db8::/32-32 AS64500",
	}
	if len(got) != len(want) {
		t.Fatalf("LookupASN() returned %d entries, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.Key.String() != want[i] {
			t.Errorf("entry %d = %s, want %s", i, e.Key, want[i])
		}
	}
	if n := len(idx.View().LookupASN(1)); n != 0 {
		t.Errorf("LookupASN(1) = %d entries", n)
	}
}

func TestWalk_Order(t *testing.T) {
	idx := New()
	apply(t, idx, "arin", 1,
		key(t, "arin", "2001:db8::/32", 1, 32),
		key(t, "arin", "10.128.0.0/9", 1, 9),
		key(t, "arin", "10.0.0.0/24", 1, 24),
		key(t, "arin", "10.0.0.0/8", 1, 8),
	)
	var got []string
	idx.View().Walk(func(e Entry) bool {
		got = append(got, e.Key.Prefix.String())
		return true
	})
	want := []string{"10.0.0.0/8", "10.0.0.0/24", "10.128.0.0/9", "2001:db8::/32"}
	if len(got) != len(want) {
		t.Fatalf("Walk() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Walk()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	n := 0
	idx.View().Walk(func(Entry) bool { n++; return false })
	if n != 1 {
		t.Errorf("Walk did not stop, visited %d", n)
	}
}

func TestRestore(t *testing.T) {
	src := New()
	a := key(t, "arin", "10.0.0.0/24", 64500, 24)
	b := key(t, "apnic", "2001:db8::/32", 64501, 48)
	apply(t, src, "arin", 1, a)
	apply(t, src, "arin", 2)
	apply(t, src, "arin", 3, a)
	apply(t, src, "apnic", 7, b)

	var entries []Entry
	src.View().Walk(func(e Entry) bool { entries = append(entries, e); return true })

	dst := New()
	if err := dst.Restore(src.View().Anchors(), entries); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	v := dst.View()
	if !mustHistory(t, v, a).Equal(mustHistory(t, src.View(), a)) {
		t.Error("restored history differs")
	}
	if v.Watermark("apnic") != 7 || v.Len() != 2 {
		t.Errorf("Watermark=%d Len=%d", v.Watermark("apnic"), v.Len())
	}

	// Open set was rebuilt: a date without a closes it.
	apply(t, dst, "arin", 4)
	if mustHistory(t, dst.View(), a).Current() {
		t.Error("restored open set did not include key")
	}
}

func TestRestore_RejectsInvalid(t *testing.T) {
	idx := New()
	k := key(t, "arin", "10.0.0.0/24", 1, 24)
	apply(t, idx, "arin", 1, k)
	before := idx.View()

	bad := []Entry{{Key: k, History: &domain.History{Intervals: []domain.Interval{{Start: 1, End: 5}, {Start: 6, Open: true}}}}}
	if err := idx.Restore(nil, bad); err == nil {
		t.Fatal("Restore() accepted adjacent intervals")
	}
	if idx.View() != before {
		t.Error("failed Restore replaced the view")
	}
	dup := []Entry{
		{Key: k, History: &domain.History{Intervals: []domain.Interval{{Start: 1, Open: true}}}},
		{Key: k, History: &domain.History{Intervals: []domain.Interval{{Start: 1, Open: true}}}},
	}
	if err := idx.Restore(nil, dup); err == nil {
		t.Fatal("Restore() accepted duplicate keys")
	}
}

func TestReset(t *testing.T) {
	idx := New()
	apply(t, idx, "arin", 1, key(t, "arin", "10.0.0.0/24", 1, 24))
	idx.Reset()
	if idx.View().Len() != 0 || idx.View().Watermark("arin").IsSet() {
		t.Error("Reset() left state behind")
	}
}

func TestConcurrentReadersSeeWholeBatches(t *testing.T) {
	idx := New()
	keys := make([]domain.RoaKey, 0, 64)
	for i := 0; i < 64; i++ {
		keys = append(keys, key(t, "arin", netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i), 0, 0}), 16).String(), uint32(i+1), 16))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := idx.View().Len()
			if n != 0 && n != 32 && n != 64 {
				select {
				case errs <- "partial batch visible":
				default:
				}
				return
			}
		}
	}()

	apply(t, idx, "arin", 1, keys[:32]...)
	apply(t, idx, "arin", 2, keys...)
	close(stop)
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
}

func TestParseMatchMode(t *testing.T) {
	for _, s := range []string{"exact", "covering", "longest", "more-specific"} {
		m, err := ParseMatchMode(s)
		if err != nil {
			t.Fatalf("ParseMatchMode(%q) error = %v", s, err)
		}
		if m.String() != s {
			t.Errorf("String() = %q, want %q", m.String(), s)
		}
	}
	if _, err := ParseMatchMode("fuzzy"); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("ParseMatchMode(fuzzy) error = %v", err)
	}
}
