package source

import (
	"context"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// Source lists and fetches daily dumps of one registry archive.
//
// ListDates is re-derived on every call since the archive grows.
// Fetch failures wrap domain.ErrFetchFailed (or ErrMalformedFile for a
// dump that cannot be parsed at all); a dump that parsed but held no
// rows is returned as an empty set, never as an error.
type Source interface {
	ListDates(ctx context.Context, tal string, from, until domain.Date) ([]domain.Date, error)
	Fetch(ctx context.Context, tal string, date domain.Date) (*Dump, error)
}

// Dump is one parsed daily file.
type Dump struct {
	TAL  string
	Date domain.Date
	URL  string
	Roas domain.RoaSet
	// Rows counts data records read; Dropped counts records rejected.
	Rows    int
	Dropped int
}

// KnownGaps lists days absent from the public archive for every
// anchor. Histories are bridged across them regardless of the
// configured bridge limit.
var KnownGaps = []struct{ From, To string }{
	{"2018-12-28", "2019-01-02"},
	{"2019-10-22", "2019-10-22"},
	{"2019-11-24", "2019-11-24"},
	{"2020-08-03", "2020-08-03"},
	{"2021-01-04", "2021-01-04"},
	{"2021-07-15", "2021-07-15"},
	{"2021-07-19", "2021-07-19"},
	{"2021-07-23", "2021-07-23"},
	{"2021-07-31", "2021-07-31"},
	{"2021-08-10", "2021-08-10"},
	{"2021-09-03", "2021-09-03"},
	{"2021-09-06", "2021-09-07"},
	{"2021-09-10", "2021-09-25"},
	{"2021-09-27", "2021-09-28"},
	{"2022-01-03", "2022-01-03"},
	{"2022-01-15", "2022-01-15"},
	{"2022-01-19", "2022-01-19"},
	{"2022-01-24", "2022-01-24"},
	{"2022-02-02", "2022-02-02"},
	{"2022-02-04", "2022-02-04"},
	{"2022-02-13", "2022-02-13"},
	{"2022-02-16", "2022-02-16"},
	{"2023-06-24", "2023-06-24"},
	{"2023-07-14", "2023-07-17"},
}

var knownGapDays = func() map[domain.Date]struct{} {
	days := make(map[domain.Date]struct{})
	for _, g := range KnownGaps {
		from, to := domain.MustParseDate(g.From), domain.MustParseDate(g.To)
		for d := from; d <= to; d++ {
			days[d] = struct{}{}
		}
	}
	return days
}()

// IsKnownGap reports whether d is a day the archive is known to miss.
func IsKnownGap(d domain.Date) bool {
	_, ok := knownGapDays[d]
	return ok
}
