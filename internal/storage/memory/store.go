package memory

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// Entry is one history with its key. History values returned from a
// View are shared with the index and must not be modified.
type Entry struct {
	Key     domain.RoaKey
	History *domain.History
}

// MatchMode selects how LookupPrefix relates stored prefixes to the query.
type MatchMode int

const (
	// MatchExact returns histories for exactly the query prefix.
	MatchExact MatchMode = iota
	// MatchCovering returns the query prefix and every less specific
	// prefix containing it.
	MatchCovering
	// MatchLongest returns the most specific stored prefix containing
	// the query.
	MatchLongest
	// MatchMoreSpecific returns the query prefix and everything inside it.
	MatchMoreSpecific
)

// ParseMatchMode parses "exact", "covering", "longest" or "more-specific".
func ParseMatchMode(s string) (MatchMode, error) {
	switch s {
	case "", "exact":
		return MatchExact, nil
	case "covering", "less-specific":
		return MatchCovering, nil
	case "longest":
		return MatchLongest, nil
	case "more-specific", "within":
		return MatchMoreSpecific, nil
	}
	return MatchExact, domain.ErrInvalidQuery.WithDetailsf("unknown match mode %q", s)
}

func (m MatchMode) String() string {
	switch m {
	case MatchCovering:
		return "covering"
	case MatchLongest:
		return "longest"
	case MatchMoreSpecific:
		return "more-specific"
	default:
		return "exact"
	}
}

// Stats summarizes a View.
type Stats struct {
	IPv4       int            `json:"ipv4"`
	IPv6       int            `json:"ipv6"`
	Prefixes   int            `json:"prefixes"`
	LatestDate domain.Date    `json:"latest_date"`
	Open       map[string]int `json:"open"`
}

// View is an immutable snapshot of the index.
type View struct {
	prefixes *iradix.Tree
	asns     *iradix.Tree
	anchors  map[string]domain.Date
	open     map[string]int
	v4, v6   int
}

func emptyView() *View {
	return &View{
		prefixes: iradix.New(),
		asns:     iradix.New(),
		anchors:  map[string]domain.Date{},
		open:     map[string]int{},
	}
}

// Len returns the number of tracked keys.
func (v *View) Len() int {
	return v.v4 + v.v6
}

// Watermark returns the last merged date of the anchor, or NoDate.
func (v *View) Watermark(tal string) domain.Date {
	if d, ok := v.anchors[tal]; ok {
		return d
	}
	return domain.NoDate
}

// Anchors returns the state of every anchor that has been ingested,
// sorted by name.
func (v *View) Anchors() []domain.AnchorState {
	out := make([]domain.AnchorState, 0, len(v.anchors))
	for _, name := range slices.Sorted(maps.Keys(v.anchors)) {
		out = append(out, domain.AnchorState{Name: name, Watermark: v.anchors[name]})
	}
	return out
}

// LatestDate returns the highest watermark across anchors.
func (v *View) LatestDate() domain.Date {
	latest := domain.NoDate
	for _, d := range v.anchors {
		latest = max(latest, d)
	}
	return latest
}

// Stats returns entry counts per address family.
func (v *View) Stats() Stats {
	return Stats{
		IPv4:       v.v4,
		IPv6:       v.v6,
		Prefixes:   v.prefixes.Len(),
		LatestDate: v.LatestDate(),
		Open:       maps.Clone(v.open),
	}
}

// LookupExact returns the history of key.
func (v *View) LookupExact(key domain.RoaKey) (*domain.History, bool) {
	raw, ok := v.prefixes.Get(prefixKey(key.Prefix))
	if !ok {
		return nil, false
	}
	h, ok := raw.(*bucket).entries[idOf(key)]
	return h, ok
}

// LookupPrefix returns histories related to p according to mode,
// ordered by prefix, ASN, max length and anchor.
func (v *View) LookupPrefix(p netip.Prefix, mode MatchMode) []Entry {
	p = p.Masked()
	key := prefixKey(p)
	root := v.prefixes.Root()

	var out []Entry
	collect := func(_ []byte, raw interface{}) bool {
		out = appendBucket(out, raw.(*bucket), nil)
		return false
	}

	switch mode {
	case MatchExact:
		if raw, ok := root.Get(key); ok {
			collect(key, raw)
		}
	case MatchCovering:
		root.WalkPath(key, collect)
	case MatchLongest:
		if k, raw, ok := root.LongestPrefix(key); ok && len(k) > 0 {
			collect(k, raw)
		}
	case MatchMoreSpecific:
		root.WalkPrefix(key, collect)
	}
	return out
}

// LookupASN returns every history originated by asn.
func (v *View) LookupASN(asn uint32) []Entry {
	var prefixes []netip.Prefix
	v.asns.Root().WalkPrefix(asnOnly(asn), func(_ []byte, raw interface{}) bool {
		prefixes = append(prefixes, raw.(netip.Prefix))
		return false
	})
	slices.SortFunc(prefixes, domain.ComparePrefix)

	var out []Entry
	match := func(id entryID) bool { return id.asn == asn }
	for _, p := range prefixes {
		if raw, ok := v.prefixes.Get(prefixKey(p)); ok {
			out = appendBucket(out, raw.(*bucket), match)
		}
	}
	return out
}

// Walk visits every entry in key order until fn returns false.
func (v *View) Walk(fn func(Entry) bool) {
	v.prefixes.Root().Walk(func(_ []byte, raw interface{}) bool {
		for _, e := range appendBucket(nil, raw.(*bucket), nil) {
			if !fn(e) {
				return true
			}
		}
		return false
	})
}

// appendBucket appends the bucket entries accepted by match in a
// stable order.
func appendBucket(out []Entry, b *bucket, match func(entryID) bool) []Entry {
	start := len(out)
	for id, h := range b.entries {
		if match != nil && !match(id) {
			continue
		}
		out = append(out, Entry{Key: id.key(b.prefix), History: h})
	}
	slices.SortFunc(out[start:], func(a, b Entry) int { return domain.CompareKey(a.Key, b.Key) })
	return out
}

// Index is the temporal ROA index. The zero value is not usable; call New.
type Index struct {
	view atomic.Pointer[View]

	// mu serializes writers; open is guarded by mu.
	mu   sync.Mutex
	open openSet
}

// New creates an empty index.
func New() *Index {
	idx := &Index{open: openSet{}}
	idx.view.Store(emptyView())
	return idx
}

// View returns the current snapshot.
func (idx *Index) View() *View {
	return idx.view.Load()
}

// Begin starts a write batch, blocking while another batch is open.
// The caller must Commit or Discard it.
func (idx *Index) Begin() *Batch {
	idx.mu.Lock()
	base := idx.view.Load()
	return &Batch{
		idx:     idx,
		base:    base,
		ptxn:    base.prefixes.Txn(),
		atxn:    base.asns.Txn(),
		dirty:   make(map[netip.Prefix]*bucket),
		owned:   make(map[*domain.History]struct{}),
		opened:  make(map[domain.RoaKey]struct{}),
		closed:  make(map[domain.RoaKey]struct{}),
		v4:      base.v4,
		v6:      base.v6,
		anchors: base.anchors,
	}
}

// Reset drops all state.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.open = openSet{}
	idx.view.Store(emptyView())
}

// Restore replaces the index content with the given anchors and
// entries. Every history is validated first; on error the index is
// left untouched.
func (idx *Index) Restore(anchors []domain.AnchorState, entries []Entry) error {
	buckets := make(map[netip.Prefix]*bucket)
	open := openSet{}
	nv := emptyView()

	for _, a := range anchors {
		if a.HasWatermark() {
			nv.anchors[a.Name] = a.Watermark
		}
	}

	for _, e := range entries {
		if err := e.Key.Validate(); err != nil {
			return fmt.Errorf("restore %s: %w", e.Key, err)
		}
		if e.History == nil || len(e.History.Intervals) == 0 {
			return fmt.Errorf("restore %s: %w", e.Key, domain.ErrInvalidKey.WithDetails("empty history"))
		}
		if err := e.History.Validate(); err != nil {
			return fmt.Errorf("restore %s: %w", e.Key, err)
		}
		b := buckets[e.Key.Prefix]
		if b == nil {
			b = &bucket{prefix: e.Key.Prefix, entries: make(map[entryID]*domain.History)}
			buckets[e.Key.Prefix] = b
		}
		id := idOf(e.Key)
		if _, dup := b.entries[id]; dup {
			return fmt.Errorf("restore %s: duplicate key", e.Key)
		}
		b.entries[id] = e.History.Clone()
		if e.History.Current() {
			open.add(e.Key)
		}
		if e.Key.Prefix.Addr().Is4() {
			nv.v4++
		} else {
			nv.v6++
		}
	}

	ptxn := nv.prefixes.Txn()
	atxn := nv.asns.Txn()
	for p, b := range buckets {
		ptxn.Insert(prefixKey(p), b)
		for id := range b.entries {
			atxn.Insert(asnKey(id.asn, p), p)
		}
	}
	nv.prefixes = ptxn.Commit()
	nv.asns = atxn.Commit()
	for tal, m := range open {
		nv.open[tal] = len(m)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.open = open
	idx.view.Store(nv)
	return nil
}
