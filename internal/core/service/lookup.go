package service

import (
	"encoding/json"
	"math"
	"net/netip"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

// Page size limits of Lookup.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// LookupRequest filters the index. Every field is optional; an empty
// request pages through all histories.
type LookupRequest struct {
	Prefix netip.Prefix // zero value: any prefix
	Match  memory.MatchMode
	ASN    *uint32
	TAL    string
	MaxLen *int
	// Date keeps histories active on that day (NoDate: any day).
	Date    domain.Date
	Current *bool
	// Page is zero-based.
	Page     int
	PageSize int
}

// DateRange is one interval in API form. It encodes as a two-element
// array whose end is null for an open interval.
type DateRange struct {
	Start domain.Date
	End   domain.Date // NoDate while open
}

// MarshalJSON implements json.Marshaler.
func (r DateRange) MarshalJSON() ([]byte, error) {
	var end *string
	if r.End.IsSet() {
		s := r.End.String()
		end = &s
	}
	return json.Marshal([2]any{r.Start.String(), end})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *DateRange) UnmarshalJSON(b []byte) error {
	var raw [2]*string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw[0] == nil {
		return domain.ErrInvalidQuery.WithDetails("date range without start")
	}
	start, err := domain.ParseDate(*raw[0])
	if err != nil {
		return err
	}
	r.Start, r.End = start, domain.NoDate
	if raw[1] != nil {
		if r.End, err = domain.ParseDate(*raw[1]); err != nil {
			return err
		}
	}
	return nil
}

// RoaRecord is one history in API form.
type RoaRecord struct {
	ASN        uint32      `json:"asn"`
	Prefix     string      `json:"prefix"`
	MaxLen     int         `json:"max_len"`
	TAL        string      `json:"tal"`
	Current    bool        `json:"current"`
	DateRanges []DateRange `json:"date_ranges"`
}

// LookupMeta describes a result page.
type LookupMeta struct {
	Total      int         `json:"total"`
	Count      int         `json:"count"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	LatestDate domain.Date `json:"latest_date"`
}

// LookupResult is one page of matching histories.
type LookupResult struct {
	Data []RoaRecord `json:"data"`
	Meta LookupMeta  `json:"meta"`
}

// Validity is the RPKI origin validation state of an announcement.
type Validity string

const (
	Valid    Validity = "valid"
	Invalid  Validity = "invalid"
	NotFound Validity = "unknown"
)

// ValidateResult explains a validation outcome.
type ValidateResult struct {
	Prefix   string      `json:"prefix"`
	ASN      uint32      `json:"asn"`
	Date     domain.Date `json:"date"`
	Validity Validity    `json:"validity"`
	// Matched holds covering authorizations that were active.
	Matched []RoaRecord `json:"covering"`
}

// QueryService answers read-only queries against the index.
type QueryService struct {
	idx *memory.Index
}

// NewQueryService creates a QueryService.
func NewQueryService(idx *memory.Index) *QueryService {
	return &QueryService{idx: idx}
}

// Lookup returns one page of histories matching req, ordered by
// prefix, ASN, max length and anchor.
func (q *QueryService) Lookup(req *LookupRequest) (*LookupResult, error) {
	if req.Page < 0 {
		return nil, domain.ErrInvalidQuery.WithDetails("page must not be negative")
	}
	size := req.PageSize
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	view := q.idx.View()
	res := &LookupResult{
		Data: []RoaRecord{},
		Meta: LookupMeta{Page: req.Page, PageSize: size, LatestDate: view.LatestDate()},
	}
	skip := math.MaxInt
	if req.Page <= math.MaxInt/size {
		skip = req.Page * size
	}

	visit := func(e memory.Entry) bool {
		if !matches(req, view, e) {
			return true
		}
		res.Meta.Total++
		if res.Meta.Total > skip && len(res.Data) < size {
			res.Data = append(res.Data, toRecord(e))
		}
		return true
	}

	switch {
	case req.Prefix.IsValid():
		for _, e := range view.LookupPrefix(req.Prefix, req.Match) {
			visit(e)
		}
	case req.ASN != nil:
		for _, e := range view.LookupASN(*req.ASN) {
			visit(e)
		}
	default:
		view.Walk(visit)
	}
	res.Meta.Count = len(res.Data)
	return res, nil
}

// Validate performs route origin validation of (prefix, asn) against
// the authorizations active on date, or the current ones when date is
// NoDate.
func (q *QueryService) Validate(prefix netip.Prefix, asn uint32, date domain.Date) (*ValidateResult, error) {
	if !prefix.IsValid() {
		return nil, domain.ErrInvalidQuery.WithDetails("invalid prefix")
	}
	prefix = prefix.Masked()
	view := q.idx.View()
	res := &ValidateResult{
		Prefix:   prefix.String(),
		ASN:      asn,
		Date:     date,
		Validity: NotFound,
		Matched:  []RoaRecord{},
	}

	for _, e := range view.LookupPrefix(prefix, memory.MatchCovering) {
		if !activeAt(view, e, date) {
			continue
		}
		res.Matched = append(res.Matched, toRecord(e))
		if res.Validity != Valid {
			res.Validity = Invalid
		}
		// AS0 authorizations never validate an origin.
		if e.Key.ASN == asn && asn != 0 && e.Key.Covers(prefix) {
			res.Validity = Valid
		}
	}
	return res, nil
}

func activeAt(view *memory.View, e memory.Entry, date domain.Date) bool {
	if !date.IsSet() {
		return e.History.Current()
	}
	return e.History.ActiveOn(date, view.Watermark(e.Key.TAL))
}

func matches(req *LookupRequest, view *memory.View, e memory.Entry) bool {
	if req.ASN != nil && e.Key.ASN != *req.ASN {
		return false
	}
	if req.TAL != "" && e.Key.TAL != req.TAL {
		return false
	}
	if req.MaxLen != nil && int(e.Key.MaxLen) != *req.MaxLen {
		return false
	}
	if req.Current != nil && e.History.Current() != *req.Current {
		return false
	}
	if req.Date.IsSet() && !e.History.ActiveOn(req.Date, view.Watermark(e.Key.TAL)) {
		return false
	}
	return true
}

// toRecord renders a history; an open interval gets a null end.
func toRecord(e memory.Entry) RoaRecord {
	ranges := make([]DateRange, len(e.History.Intervals))
	for n, iv := range e.History.Intervals {
		ranges[n] = DateRange{Start: iv.Start, End: domain.NoDate}
		if !iv.Open {
			ranges[n].End = iv.End
		}
	}
	return RoaRecord{
		ASN:        e.Key.ASN,
		Prefix:     e.Key.Prefix.String(),
		MaxLen:     int(e.Key.MaxLen),
		TAL:        e.Key.TAL,
		Current:    e.History.Current(),
		DateRanges: ranges,
	}
}

// Stats summarizes the current index.
func (q *QueryService) Stats() memory.Stats {
	return q.idx.View().Stats()
}
