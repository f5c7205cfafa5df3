package memory

import (
	"maps"
	"net/netip"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// Batch is a set of index mutations published atomically by Commit.
// A Batch is not safe for concurrent use.
type Batch struct {
	idx  *Index
	base *View
	done bool

	ptxn *iradix.Txn
	atxn *iradix.Txn

	// dirty holds buckets copied into this batch; owned holds histories
	// cloned into this batch. Both may be mutated in place.
	dirty map[netip.Prefix]*bucket
	owned map[*domain.History]struct{}

	opened map[domain.RoaKey]struct{}
	closed map[domain.RoaKey]struct{}

	anchors       map[string]domain.Date
	anchorsCopied bool

	v4, v6 int
}

// Watermark returns the anchor watermark as seen by this batch.
func (b *Batch) Watermark(tal string) domain.Date {
	if d, ok := b.anchors[tal]; ok {
		return d
	}
	return domain.NoDate
}

// SetWatermark records the last merged date of an anchor.
func (b *Batch) SetWatermark(tal string, d domain.Date) {
	if !b.anchorsCopied {
		b.anchors = maps.Clone(b.anchors)
		b.anchorsCopied = true
	}
	b.anchors[tal] = d
}

// Lookup returns the history of key as seen by this batch.
func (b *Batch) Lookup(key domain.RoaKey) (*domain.History, bool) {
	bk := b.bucketOf(key.Prefix)
	if bk == nil {
		return nil, false
	}
	h, ok := bk.entries[idOf(key)]
	return h, ok
}

// OpenKeys returns every key of the anchor whose last interval is open.
func (b *Batch) OpenKeys(tal string) []domain.RoaKey {
	committed := b.idx.open[tal]
	out := make([]domain.RoaKey, 0, len(committed)+len(b.opened))
	for k := range committed {
		if _, gone := b.closed[k]; !gone {
			out = append(out, k)
		}
	}
	for k := range b.opened {
		if k.TAL != tal {
			continue
		}
		if _, dup := committed[k]; !dup {
			out = append(out, k)
		}
	}
	return out
}

// UpsertOpen records that key was present on date.
//
// A new key gets an open interval starting at date. An open last
// interval already covers date through the watermark and is left as
// is. A closed last interval ending the day before is reopened; an
// earlier one is followed by a new open interval. Dates at or before
// what the history already records fail with ErrOutOfOrder.
func (b *Batch) UpsertOpen(key domain.RoaKey, date domain.Date) error {
	if b.done {
		return domain.ErrBatchClosed
	}
	cur, ok := b.Lookup(key)
	if !ok {
		if key.TAL == "" {
			return domain.ErrInvalidKey.WithDetails("missing trust anchor")
		}
		if err := key.Validate(); err != nil {
			return err
		}
		h := &domain.History{Intervals: []domain.Interval{{Start: date, Open: true}}}
		b.insert(key, h)
		b.markOpen(key)
		return nil
	}

	last, _ := cur.Last()
	switch {
	case last.Open:
		if date < last.Start {
			return outOfOrder(key, date, last)
		}
		return nil
	case date <= last.End:
		return outOfOrder(key, date, last)
	case date == last.End.Next():
		h := b.mutable(key, cur)
		iv := &h.Intervals[len(h.Intervals)-1]
		iv.Open = true
		iv.End = 0
	default:
		h := b.mutable(key, cur)
		h.Intervals = append(h.Intervals, domain.Interval{Start: date, Open: true})
	}
	b.markOpen(key)
	return nil
}

// CloseIfOpen ends the open last interval of key on the day before
// date, the first day the key was found missing. Closed or unknown
// keys are left unchanged.
func (b *Batch) CloseIfOpen(key domain.RoaKey, date domain.Date) error {
	if b.done {
		return domain.ErrBatchClosed
	}
	cur, ok := b.Lookup(key)
	if !ok {
		return nil
	}
	last, _ := cur.Last()
	if !last.Open {
		return nil
	}
	end := date.Prev()
	if end < last.Start {
		return outOfOrder(key, date, last)
	}
	h := b.mutable(key, cur)
	iv := &h.Intervals[len(h.Intervals)-1]
	iv.Open = false
	iv.End = end

	delete(b.opened, key)
	b.closed[key] = struct{}{}
	return nil
}

// Commit publishes the batch and releases the writer lock.
func (b *Batch) Commit() error {
	if b.done {
		return domain.ErrBatchClosed
	}
	b.done = true
	defer b.idx.mu.Unlock()

	for p, bk := range b.dirty {
		b.ptxn.Insert(prefixKey(p), bk)
	}

	for k := range b.closed {
		b.idx.open.remove(k)
	}
	for k := range b.opened {
		b.idx.open.add(k)
	}

	nv := &View{
		prefixes: b.ptxn.Commit(),
		asns:     b.atxn.Commit(),
		anchors:  b.anchors,
		open:     make(map[string]int, len(b.idx.open)),
		v4:       b.v4,
		v6:       b.v6,
	}
	for tal := range b.idx.open {
		nv.open[tal] = b.idx.open.count(tal)
	}
	b.idx.view.Store(nv)
	return nil
}

// Discard abandons the batch. It is safe to call after Commit.
func (b *Batch) Discard() {
	if b.done {
		return
	}
	b.done = true
	b.idx.mu.Unlock()
}

func (b *Batch) bucketOf(p netip.Prefix) *bucket {
	if bk, ok := b.dirty[p]; ok {
		return bk
	}
	if raw, ok := b.ptxn.Get(prefixKey(p)); ok {
		return raw.(*bucket)
	}
	return nil
}

// dirtyBucket returns a batch-owned copy of the bucket for p.
func (b *Batch) dirtyBucket(p netip.Prefix) *bucket {
	if bk, ok := b.dirty[p]; ok {
		return bk
	}
	var bk *bucket
	if raw, ok := b.ptxn.Get(prefixKey(p)); ok {
		bk = raw.(*bucket).clone()
	} else {
		bk = &bucket{prefix: p, entries: make(map[entryID]*domain.History, 1)}
	}
	b.dirty[p] = bk
	return bk
}

func (b *Batch) insert(key domain.RoaKey, h *domain.History) {
	bk := b.dirtyBucket(key.Prefix)
	bk.entries[idOf(key)] = h
	b.owned[h] = struct{}{}
	b.atxn.Insert(asnKey(key.ASN, key.Prefix), key.Prefix)
	if key.Prefix.Addr().Is4() {
		b.v4++
	} else {
		b.v6++
	}
}

// mutable returns a batch-owned version of cur, cloning it once.
func (b *Batch) mutable(key domain.RoaKey, cur *domain.History) *domain.History {
	if _, ok := b.owned[cur]; ok {
		return cur
	}
	h := cur.Clone()
	b.owned[h] = struct{}{}
	b.dirtyBucket(key.Prefix).entries[idOf(key)] = h
	return h
}

func (b *Batch) markOpen(key domain.RoaKey) {
	delete(b.closed, key)
	b.opened[key] = struct{}{}
}

func outOfOrder(key domain.RoaKey, date domain.Date, last domain.Interval) error {
	return domain.ErrOutOfOrder.WithDetailsf("%s: %s not after %s", key, date, last)
}
