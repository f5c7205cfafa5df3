package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/netip"
	"testing"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

var (
	day1 = domain.MustParseDate("2024-01-01")
	day2 = domain.MustParseDate("2024-01-02")
)

// newLookupIndex holds:
//
//	arin    10.0.0.0/16-24  AS64500  [day1, open)
//	arin    10.0.0.0/24-24  AS64501  [day1, day1]
//	ripencc 2001:db8::/32-48 AS64500 [day1, open)  watermark day1
func newLookupIndex(t *testing.T) *memory.Index {
	t.Helper()
	idx := memory.New()
	m := NewMerger(idx, WithMergerLogger(discardLogger()))
	ctx := context.Background()

	wide := roa(t, "10.0.0.0/16", 64500, 24)
	narrow := roa(t, "10.0.0.0/24", 64501, 24)
	v6 := roa(t, "2001:db8::/32", 64500, 48)

	for _, step := range []struct {
		tal  string
		date domain.Date
		roas domain.RoaSet
	}{
		{"arin", day1, set(wide, narrow)},
		{"arin", day2, set(wide)},
		{"ripencc", day1, set(v6)},
	} {
		if _, err := m.Apply(ctx, step.tal, step.date, step.roas); err != nil {
			t.Fatal(err)
		}
	}
	return idx
}

func prefixes(recs []RoaRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Prefix
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ptr[T any](v T) *T { return &v }

func TestQueryService_Lookup(t *testing.T) {
	q := NewQueryService(newLookupIndex(t))

	tests := []struct {
		name string
		req  LookupRequest
		want []string
	}{
		{"all", LookupRequest{}, []string{"10.0.0.0/16", "10.0.0.0/24", "2001:db8::/32"}},
		{"asn", LookupRequest{ASN: ptr(uint32(64500))}, []string{"10.0.0.0/16", "2001:db8::/32"}},
		{"asn and tal", LookupRequest{ASN: ptr(uint32(64500)), TAL: "arin"}, []string{"10.0.0.0/16"}},
		{"exact", LookupRequest{Prefix: netip.MustParsePrefix("10.0.0.0/24")}, []string{"10.0.0.0/24"}},
		{"covering", LookupRequest{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Match: memory.MatchCovering}, []string{"10.0.0.0/16", "10.0.0.0/24"}},
		{"more specific", LookupRequest{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Match: memory.MatchMoreSpecific}, []string{"10.0.0.0/16", "10.0.0.0/24"}},
		{"not current", LookupRequest{Current: ptr(false)}, []string{"10.0.0.0/24"}},
		{"max len", LookupRequest{MaxLen: ptr(48)}, []string{"2001:db8::/32"}},
		{"active on day2", LookupRequest{Date: day2}, []string{"10.0.0.0/16"}},
		{"active on day1", LookupRequest{Date: day1, TAL: "arin"}, []string{"10.0.0.0/16", "10.0.0.0/24"}},
		{"no match", LookupRequest{ASN: ptr(uint32(1))}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := q.Lookup(&tt.req)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if got := prefixes(res.Data); !equalStrings(got, tt.want) {
				t.Errorf("Lookup() = %v, want %v", got, tt.want)
			}
			if res.Meta.Total != len(tt.want) || res.Meta.Count != len(tt.want) {
				t.Errorf("Meta = %+v", res.Meta)
			}
			if res.Meta.LatestDate != day2 {
				t.Errorf("LatestDate = %s, want %s", res.Meta.LatestDate, day2)
			}
		})
	}
}

func TestQueryService_LookupPaging(t *testing.T) {
	q := NewQueryService(newLookupIndex(t))

	first, err := q.Lookup(&LookupRequest{PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Lookup(&LookupRequest{PageSize: 2, Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	if first.Meta.Total != 3 || first.Meta.Count != 2 || second.Meta.Count != 1 {
		t.Errorf("meta = %+v / %+v", first.Meta, second.Meta)
	}
	if second.Data[0].Prefix != "2001:db8::/32" {
		t.Errorf("second page = %v", prefixes(second.Data))
	}

	beyond, err := q.Lookup(&LookupRequest{PageSize: 2, Page: 5})
	if err != nil {
		t.Fatal(err)
	}
	if beyond.Data == nil || len(beyond.Data) != 0 || beyond.Meta.Total != 3 {
		t.Errorf("page beyond end = %+v", beyond)
	}

	huge, err := q.Lookup(&LookupRequest{PageSize: 100, Page: math.MaxInt / 50})
	if err != nil {
		t.Fatal(err)
	}
	if huge.Meta.Count != 0 || huge.Meta.Total != 3 {
		t.Errorf("huge page meta = %+v, want empty page of 3", huge.Meta)
	}

	big, _ := q.Lookup(&LookupRequest{PageSize: MaxPageSize + 1})
	if big.Meta.PageSize != MaxPageSize {
		t.Errorf("PageSize = %d, want %d", big.Meta.PageSize, MaxPageSize)
	}
	def, _ := q.Lookup(&LookupRequest{})
	if def.Meta.PageSize != DefaultPageSize {
		t.Errorf("PageSize = %d, want %d", def.Meta.PageSize, DefaultPageSize)
	}

	if _, err := q.Lookup(&LookupRequest{Page: -1}); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("negative page error = %v", err)
	}
}

func TestQueryService_Records(t *testing.T) {
	q := NewQueryService(newLookupIndex(t))
	res, err := q.Lookup(&LookupRequest{TAL: "arin"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(res.Data)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"asn":64500,"prefix":"10.0.0.0/16","max_len":24,"tal":"arin","current":true,"date_ranges":[["2024-01-01",null]]},` +
		`{"asn":64501,"prefix":"10.0.0.0/24","max_len":24,"tal":"arin","current":false,"date_ranges":[["2024-01-01","2024-01-01"]]}]`
	if string(b) != want {
		t.Errorf("json =\n%s\nwant\n%s", b, want)
	}
}

func TestDateRange_JSON(t *testing.T) {
	for _, in := range []string{`["2024-01-01",null]`, `["2024-01-01","2024-03-05"]`} {
		var r DateRange
		if err := json.Unmarshal([]byte(in), &r); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", in, err)
		}
		out, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != in {
			t.Errorf("round trip %s = %s", in, out)
		}
	}
	var r DateRange
	if err := json.Unmarshal([]byte(`[null,null]`), &r); err == nil {
		t.Error("range without start accepted")
	}
}

func TestQueryService_Validate(t *testing.T) {
	q := NewQueryService(newLookupIndex(t))

	tests := []struct {
		name   string
		prefix string
		asn    uint32
		date   domain.Date
		want   Validity
		cover  int
	}{
		{"valid", "10.0.0.0/24", 64500, domain.NoDate, Valid, 1},
		{"too specific", "10.0.0.0/25", 64500, domain.NoDate, Invalid, 1},
		{"wrong origin", "10.0.0.0/24", 64501, domain.NoDate, Invalid, 1},
		{"valid in the past", "10.0.0.0/24", 64501, day1, Valid, 2},
		{"unknown", "192.0.2.0/24", 64500, domain.NoDate, NotFound, 0},
		{"v6", "2001:db8:1::/48", 64500, domain.NoDate, Valid, 1},
		{"before history", "10.0.0.0/24", 64500, day1.Prev(), NotFound, 0},
		{"as0", "10.0.0.0/24", 0, domain.NoDate, Invalid, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := q.Validate(netip.MustParsePrefix(tt.prefix), tt.asn, tt.date)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if res.Validity != tt.want || len(res.Matched) != tt.cover {
				t.Errorf("Validate() = %s with %d covering, want %s with %d", res.Validity, len(res.Matched), tt.want, tt.cover)
			}
		})
	}

	if _, err := q.Validate(netip.Prefix{}, 1, domain.NoDate); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("invalid prefix error = %v", err)
	}
}
