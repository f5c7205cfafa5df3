package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/source"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

// FailurePolicy decides how a date whose dump could not be fetched is
// merged.
type FailurePolicy string

const (
	// PolicyEmpty merges the date as an empty dump, closing every open
	// authorization of the anchor.
	PolicyEmpty FailurePolicy = "empty"
	// PolicySkip leaves the index and watermark untouched; the next
	// merged date bridges over the failed one.
	PolicySkip FailurePolicy = "skip"
)

// ParseFailurePolicy validates a policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case PolicyEmpty, PolicySkip:
		return FailurePolicy(s), nil
	case "":
		return PolicyEmpty, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// MergeResult summarizes one merged date.
type MergeResult struct {
	TAL       string
	Date      domain.Date
	Present   int // authorizations in the dump
	Opened    int // new or reopened
	Continued int
	Closed    int
	// Bridged counts the days between the previous watermark and Date
	// that had no dump and were bridged by open intervals.
	Bridged  int
	Replayed bool
	Skipped  bool
}

// Merger applies daily ROA sets to the index. Merges of one anchor
// must be presented in ascending date order.
type Merger struct {
	idx       *memory.Index
	policy    FailurePolicy
	maxBridge int
	logger    *slog.Logger
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithFailurePolicy sets the policy for failed fetches.
func WithFailurePolicy(p FailurePolicy) MergerOption {
	return func(m *Merger) {
		m.policy = p
	}
}

// WithMaxBridgeDays limits how many consecutive missing days open
// intervals survive. Known archive gaps are not counted. Zero means
// no limit.
func WithMaxBridgeDays(n int) MergerOption {
	return func(m *Merger) {
		m.maxBridge = n
	}
}

// WithMergerLogger sets the logger.
func WithMergerLogger(l *slog.Logger) MergerOption {
	return func(m *Merger) {
		m.logger = l
	}
}

// NewMerger creates a Merger writing to idx.
func NewMerger(idx *memory.Index, opts ...MergerOption) *Merger {
	m := &Merger{
		idx:    idx,
		policy: PolicyEmpty,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the configured failure policy.
func (m *Merger) Policy() FailurePolicy {
	return m.policy
}

// Apply merges the set of authorizations present for tal on date.
//
// Every present authorization is opened or kept open; every one open
// at the previous watermark but absent now is closed on that
// watermark. The watermark advances to date only if the whole batch
// commits. A date before the watermark fails with ErrOutOfOrder; the
// watermark date itself is a replay and changes nothing.
func (m *Merger) Apply(ctx context.Context, tal string, date domain.Date, roas domain.RoaSet) (*MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !date.IsSet() {
		return nil, domain.ErrOutOfOrder.WithDetailsf("%s: date not set", tal)
	}
	res := &MergeResult{TAL: tal, Date: date, Present: len(roas)}

	b := m.idx.Begin()
	defer b.Discard()

	prev := b.Watermark(tal)
	if prev.IsSet() {
		switch {
		case date == prev:
			res.Replayed = true
			m.logger.Debug("date already merged",
				"tal", tal,
				"date", date.String())
			return res, nil
		case date < prev:
			return nil, domain.ErrOutOfOrder.WithDetailsf("%s: %s is before watermark %s", tal, date, prev)
		}
	}

	prevOpen := b.OpenKeys(tal)

	gapClosed := false
	if prev.IsSet() && date > prev.Next() {
		res.Bridged = date.Sub(prev) - 1
		if !m.bridgeable(prev, date) {
			// Too long without data: end everything at the last date seen.
			for _, k := range prevOpen {
				if err := b.CloseIfOpen(k, prev.Next()); err != nil {
					return nil, fmt.Errorf("merge %s %s: %w", tal, date, err)
				}
			}
			m.logger.Warn("gap exceeds bridge limit, closing open intervals",
				"tal", tal,
				"from", prev.String(),
				"to", date.String(),
				"max_bridge_days", m.maxBridge,
				"closed", len(prevOpen))
			res.Bridged = 0
			gapClosed = true
		}
	}

	for r := range roas {
		if err := b.UpsertOpen(domain.RoaKey{TAL: tal, Roa: r}, date); err != nil {
			return nil, fmt.Errorf("merge %s %s: %w", tal, date, err)
		}
	}

	// prev.Next() is the first day each missing key was not seen.
	closeAt := date
	if prev.IsSet() {
		closeAt = prev.Next()
	}
	for _, k := range prevOpen {
		if roas.Has(k.Roa) {
			if !gapClosed {
				res.Continued++
			}
			continue
		}
		if err := b.CloseIfOpen(k, closeAt); err != nil {
			return nil, fmt.Errorf("merge %s %s: %w", tal, date, err)
		}
		res.Closed++
	}
	res.Opened = res.Present - res.Continued

	b.SetWatermark(tal, date)
	if err := b.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// ApplyFailure merges a date whose fetch failed according to the
// configured policy.
func (m *Merger) ApplyFailure(ctx context.Context, tal string, date domain.Date, cause error) (*MergeResult, error) {
	if m.policy == PolicySkip {
		m.logger.Warn("fetch failed, skipping date",
			"tal", tal,
			"date", date.String(),
			"error", cause)
		return &MergeResult{TAL: tal, Date: date, Skipped: true}, nil
	}
	m.logger.Warn("fetch failed, merging date as empty",
		"tal", tal,
		"date", date.String(),
		"error", cause)
	return m.Apply(ctx, tal, date, domain.RoaSet{})
}

// bridgeable reports whether the missing days strictly between prev
// and date may be bridged.
func (m *Merger) bridgeable(prev, date domain.Date) bool {
	if m.maxBridge <= 0 {
		return true
	}
	missing := 0
	for d := prev.Next(); d < date; d++ {
		if !source.IsKnownGap(d) {
			missing++
		}
	}
	return missing <= m.maxBridge
}
