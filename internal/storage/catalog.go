package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

const catalogPrefix = "file/"

// Catalog keeps one record per processed dump file, keyed by anchor and
// date. A later record for the same file replaces the earlier one.
type Catalog struct {
	kv KVEngine
}

// NewCatalog creates a Catalog over kv.
func NewCatalog(kv KVEngine) *Catalog {
	return &Catalog{kv: kv}
}

func catalogKey(tal string, d domain.Date) []byte {
	return []byte(catalogPrefix + tal + "/" + d.String())
}

// Record stores rec.
func (c *Catalog) Record(ctx context.Context, rec *domain.FileRecord) error {
	if rec.TAL == "" || !rec.Date.IsSet() {
		return fmt.Errorf("catalog: record needs tal and date")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	return c.kv.Set(ctx, catalogKey(rec.TAL, rec.Date), b)
}

// Get returns the record of one file, or nil when none exists.
func (c *Catalog) Get(ctx context.Context, tal string, d domain.Date) (*domain.FileRecord, error) {
	b, err := c.kv.Get(ctx, catalogKey(tal, d))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &domain.FileRecord{}
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, fmt.Errorf("catalog: %s/%s: %w", tal, d, err)
	}
	return rec, nil
}

// List returns the records of tal dated within [from, until] in date
// order. An empty tal lists every anchor; unset bounds are open.
func (c *Catalog) List(ctx context.Context, tal string, from, until domain.Date) ([]*domain.FileRecord, error) {
	prefix := catalogPrefix
	if tal != "" {
		prefix += tal + "/"
	}

	var (
		out     []*domain.FileRecord
		scanErr error
	)
	err := c.kv.Scan(ctx, []byte(prefix), func(key, value []byte) bool {
		rec := &domain.FileRecord{}
		if err := json.Unmarshal(value, rec); err != nil {
			scanErr = fmt.Errorf("catalog: %s: %w", key, err)
			return false
		}
		if from.IsSet() && rec.Date < from {
			return true
		}
		if until.IsSet() && rec.Date > until {
			return true
		}
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// Count returns the number of records per status for tal.
func (c *Catalog) Count(ctx context.Context, tal string) (map[domain.FileStatus]int, error) {
	recs, err := c.List(ctx, tal, domain.NoDate, domain.NoDate)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.FileStatus]int)
	for _, r := range recs {
		out[r.Status]++
	}
	return out, nil
}
