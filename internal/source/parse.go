package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// Column positions in a roas.csv record.
const (
	colURI = iota
	colASN
	colPrefix
	colMaxLen
)

// ParseRow converts one CSV record to a Roa. An empty max length means
// the prefix length. Any other deviation fails with ErrMalformedRow.
func ParseRow(rec []string) (domain.Roa, error) {
	if len(rec) <= colPrefix {
		return domain.Roa{}, domain.ErrMalformedRow.WithDetailsf("want at least %d fields, got %d", colPrefix+1, len(rec))
	}

	asn, err := domain.ParseASN(rec[colASN])
	if err != nil {
		return domain.Roa{}, domain.ErrMalformedRow.WithDetailsf("asn %q", rec[colASN])
	}

	prefix, err := netip.ParsePrefix(strings.TrimSpace(rec[colPrefix]))
	if err != nil {
		return domain.Roa{}, domain.ErrMalformedRow.WithDetailsf("prefix %q", rec[colPrefix])
	}

	maxLen := 0
	if len(rec) > colMaxLen {
		if s := strings.TrimSpace(rec[colMaxLen]); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return domain.Roa{}, domain.ErrMalformedRow.WithDetailsf("max length %q", rec[colMaxLen])
			}
			maxLen = n
		}
	}

	roa, err := domain.NewRoa(prefix, asn, maxLen)
	if err != nil {
		return domain.Roa{}, domain.ErrMalformedRow.WithCause(err).WithDetails(err.Error())
	}
	return roa, nil
}

// RowHandler observes rejected records. line is 1-based.
type RowHandler func(line int, err error)

// ParseResult is the outcome of parsing one dump.
type ParseResult struct {
	Roas    domain.RoaSet
	Rows    int
	Dropped int
}

// Parse reads a roas.csv stream. The first record must be the header
// starting with "URI", otherwise ErrMalformedFile is returned. An empty
// stream is an empty dump. Rejected records are reported to onDrop
// (may be nil) and skipped. Duplicate records collapse.
func Parse(r io.Reader, onDrop RowHandler) (*ParseResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.LazyQuotes = true

	res := &ParseResult{Roas: make(domain.RoaSet)}
	header := false
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, fmt.Errorf("read dump: %w", err)
			}
			if !header {
				return nil, domain.ErrMalformedFile.WithCause(err).WithDetails(err.Error())
			}
			res.Rows++
			res.Dropped++
			if onDrop != nil {
				onDrop(perr.Line, domain.ErrMalformedRow.WithCause(err))
			}
			continue
		}

		if !header {
			if len(rec) == 0 || !strings.HasPrefix(strings.TrimPrefix(rec[0], "\ufeff"), "URI") {
				return nil, domain.ErrMalformedFile.WithDetails("missing URI header")
			}
			header = true
			continue
		}

		res.Rows++
		roa, err := ParseRow(rec)
		if err != nil {
			res.Dropped++
			if onDrop != nil {
				line, _ := cr.FieldPos(0)
				onDrop(line, err)
			}
			continue
		}
		res.Roas.Add(roa)
	}
	return res, nil
}
