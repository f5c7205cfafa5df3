package handler

import (
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

// handleSearch handles GET /search.
//
// Query parameters: prefix, match (exact|covering|longest|more-specific),
// asn, tal, max_len, date, current, page, page_size. All optional.
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := parseLookupRequest(r.URL.Query())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	res, err := h.query.Lookup(req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

// handleValidate handles GET /validate?prefix=&asn=[&date=].
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("prefix") == "" || q.Get("asn") == "" {
		h.handleServiceError(w, r, domain.ErrInvalidQuery.WithDetails("prefix and asn are required"))
		return
	}

	prefix, err := parsePrefix(q.Get("prefix"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	asn, err := domain.ParseASN(q.Get("asn"))
	if err != nil {
		h.handleServiceError(w, r, domain.ErrInvalidQuery.WithDetails(err.Error()))
		return
	}
	date, err := parseDate(q.Get("date"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	res, err := h.query.Validate(prefix, asn, date)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

func parseLookupRequest(q url.Values) (*service.LookupRequest, error) {
	req := &service.LookupRequest{}
	var err error

	if s := q.Get("prefix"); s != "" {
		if req.Prefix, err = parsePrefix(s); err != nil {
			return nil, err
		}
	}
	if req.Match, err = memory.ParseMatchMode(q.Get("match")); err != nil {
		return nil, err
	}
	if s := q.Get("asn"); s != "" {
		asn, err := domain.ParseASN(s)
		if err != nil {
			return nil, domain.ErrInvalidQuery.WithDetails(err.Error())
		}
		req.ASN = &asn
	}
	if s := q.Get("tal"); s != "" {
		if !domain.ValidAnchor(s) {
			return nil, domain.ErrUnknownAnchor.WithDetails(s)
		}
		req.TAL = s
	}
	if s := q.Get("max_len"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 128 {
			return nil, domain.ErrInvalidQuery.WithDetailsf("max_len %q", s)
		}
		req.MaxLen = &n
	}
	if req.Date, err = parseDate(q.Get("date")); err != nil {
		return nil, err
	}
	if s := q.Get("current"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, domain.ErrInvalidQuery.WithDetailsf("current %q", s)
		}
		req.Current = &b
	}
	if req.Page, err = parseInt(q, "page"); err != nil {
		return nil, err
	}
	if req.PageSize, err = parseInt(q, "page_size"); err != nil {
		return nil, err
	}
	return req, nil
}

// parsePrefix accepts a CIDR or a bare address (a host prefix).
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, domain.ErrInvalidQuery.WithDetailsf("prefix %q", s)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, domain.ErrInvalidQuery.WithDetailsf("prefix %q", s)
	}
	return p.Masked(), nil
}

func parseDate(s string) (domain.Date, error) {
	if s == "" {
		return domain.NoDate, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return domain.NoDate, domain.ErrInvalidQuery.WithDetailsf("date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}

func parseInt(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidQuery.WithDetailsf("%s %q", name, s)
	}
	return n, nil
}
