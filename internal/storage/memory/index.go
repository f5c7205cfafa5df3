package memory

import (
	"encoding/binary"
	"net/netip"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// Key families in the prefix tree.
const (
	familyV4 byte = 4
	familyV6 byte = 6
)

// prefixKey encodes p as a family byte followed by one byte per prefix
// bit, so that tree ancestry equals prefix containment.
func prefixKey(p netip.Prefix) []byte {
	bits := p.Bits()
	key := make([]byte, 1, 1+bits)
	if p.Addr().Is4() {
		key[0] = familyV4
	} else {
		key[0] = familyV6
	}
	raw := p.Addr().AsSlice()
	for i := 0; i < bits; i++ {
		key = append(key, (raw[i/8]>>(7-uint(i%8)))&1)
	}
	return key
}

// asnKey prefixes the prefix key with the big-endian ASN.
func asnKey(asn uint32, p netip.Prefix) []byte {
	pk := prefixKey(p)
	key := make([]byte, 4, 4+len(pk))
	binary.BigEndian.PutUint32(key, asn)
	return append(key, pk...)
}

func asnOnly(asn uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, asn)
	return key
}

// entryID identifies a history inside one prefix bucket.
type entryID struct {
	tal    string
	asn    uint32
	maxLen uint8
}

func idOf(k domain.RoaKey) entryID {
	return entryID{tal: k.TAL, asn: k.ASN, maxLen: k.MaxLen}
}

func (id entryID) key(p netip.Prefix) domain.RoaKey {
	return domain.RoaKey{TAL: id.tal, Roa: domain.Roa{Prefix: p, ASN: id.asn, MaxLen: id.maxLen}}
}

// bucket holds every history sharing one prefix. Published buckets are
// never mutated; a batch copies a bucket before touching it.
type bucket struct {
	prefix  netip.Prefix
	entries map[entryID]*domain.History
}

func (b *bucket) clone() *bucket {
	c := &bucket{prefix: b.prefix, entries: make(map[entryID]*domain.History, len(b.entries)+1)}
	for id, h := range b.entries {
		c.entries[id] = h
	}
	return c
}

// openSet tracks keys with an open last interval, per anchor.
// It is owned by the writer side of the Index.
type openSet map[string]map[domain.RoaKey]struct{}

func (s openSet) add(k domain.RoaKey) {
	m := s[k.TAL]
	if m == nil {
		m = make(map[domain.RoaKey]struct{})
		s[k.TAL] = m
	}
	m[k] = struct{}{}
}

func (s openSet) remove(k domain.RoaKey) {
	if m := s[k.TAL]; m != nil {
		delete(m, k)
	}
}

func (s openSet) count(tal string) int {
	return len(s[tal])
}
