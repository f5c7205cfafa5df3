package domain

import (
	"cmp"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Trust anchors published by the five regional registries.
const (
	AnchorAFRINIC = "afrinic"
	AnchorAPNIC   = "apnic"
	AnchorARIN    = "arin"
	AnchorLACNIC  = "lacnic"
	AnchorRIPENCC = "ripencc"
)

// KnownAnchors lists every trust anchor in canonical order.
var KnownAnchors = []string{AnchorAFRINIC, AnchorAPNIC, AnchorARIN, AnchorLACNIC, AnchorRIPENCC}

// ValidAnchor reports whether name is one of KnownAnchors.
func ValidAnchor(name string) bool {
	for _, a := range KnownAnchors {
		if a == name {
			return true
		}
	}
	return false
}

// Roa is one authorization as published in a daily dump.
// It is comparable and used directly as a set element.
type Roa struct {
	Prefix netip.Prefix
	ASN    uint32
	MaxLen uint8
}

// NewRoa builds a canonical Roa. A maxLen of zero or below means
// "same as the prefix length".
func NewRoa(prefix netip.Prefix, asn uint32, maxLen int) (Roa, error) {
	if !prefix.IsValid() {
		return Roa{}, ErrInvalidKey.WithDetails("invalid prefix")
	}
	if prefix.Addr().Is4In6() {
		if prefix.Bits() < 96 {
			return Roa{}, ErrInvalidKey.WithDetailsf("mapped prefix %s too short", prefix)
		}
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
	}
	prefix = prefix.Masked()
	if maxLen <= 0 {
		maxLen = prefix.Bits()
	}
	if maxLen > prefix.Addr().BitLen() {
		return Roa{}, ErrInvalidKey.WithDetailsf("max length %d exceeds %d", maxLen, prefix.Addr().BitLen())
	}
	r := Roa{Prefix: prefix, ASN: asn, MaxLen: uint8(maxLen)}
	if err := r.Validate(); err != nil {
		return Roa{}, err
	}
	return r, nil
}

// Validate checks that the prefix is canonical and
// prefix length <= max length <= address width.
func (r Roa) Validate() error {
	if !r.Prefix.IsValid() {
		return ErrInvalidKey.WithDetails("invalid prefix")
	}
	if r.Prefix != r.Prefix.Masked() {
		return ErrInvalidKey.WithDetailsf("prefix %s has host bits set", r.Prefix)
	}
	width := r.Prefix.Addr().BitLen()
	if int(r.MaxLen) < r.Prefix.Bits() || int(r.MaxLen) > width {
		return ErrInvalidKey.WithDetailsf("max length %d invalid for %s", r.MaxLen, r.Prefix)
	}
	return nil
}

// Covers reports whether the authorization admits an announcement of
// p by its origin, i.e. p is inside Prefix and no longer than MaxLen.
func (r Roa) Covers(p netip.Prefix) bool {
	return p.Bits() >= r.Prefix.Bits() &&
		p.Bits() <= int(r.MaxLen) &&
		r.Prefix.Contains(p.Addr())
}

func (r Roa) String() string {
	return fmt.Sprintf("%s-%d AS%d", r.Prefix, r.MaxLen, r.ASN)
}

// RoaKey is the identity of one tracked history: an authorization
// scoped to the trust anchor that published it.
type RoaKey struct {
	TAL string
	Roa
}

func (k RoaKey) String() string {
	return k.TAL + " " + k.Roa.String()
}

// ComparePrefix orders prefixes IPv4 before IPv6, then by address,
// then shorter before longer.
func ComparePrefix(a, b netip.Prefix) int {
	if a.Addr().Is4() != b.Addr().Is4() {
		if a.Addr().Is4() {
			return -1
		}
		return 1
	}
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

// CompareKey orders keys by prefix, ASN, max length and anchor.
func CompareKey(a, b RoaKey) int {
	if c := ComparePrefix(a.Prefix, b.Prefix); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ASN, b.ASN); c != 0 {
		return c
	}
	if c := cmp.Compare(a.MaxLen, b.MaxLen); c != 0 {
		return c
	}
	return cmp.Compare(a.TAL, b.TAL)
}

// RoaSet is the set of authorizations present in one dump.
type RoaSet map[Roa]struct{}

// Add inserts r.
func (s RoaSet) Add(r Roa) { s[r] = struct{}{} }

// Has reports whether r is in the set.
func (s RoaSet) Has(r Roa) bool {
	_, ok := s[r]
	return ok
}

// ParseASN parses an AS number with or without the "AS" prefix.
func ParseASN(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "AS") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse asn %q: %w", s, err)
	}
	return uint32(n), nil
}
