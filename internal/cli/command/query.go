package command

import (
	"errors"
	"net/netip"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

func queryFlags() []cli.Flag {
	flags := append(serverFlags(), checkpointFlags()...)
	return append(flags, outputFlags()...)
}

// SearchCommand looks up ROA histories.
func SearchCommand() *cli.Command {
	flags := append(queryFlags(),
		&cli.StringFlag{Name: "prefix", Aliases: []string{"p"}, Usage: "IP prefix or address"},
		&cli.StringFlag{Name: "match", Aliases: []string{"m"}, Usage: "Prefix match: exact, covering, longest, more-specific", Value: "exact"},
		&cli.StringFlag{Name: "asn", Aliases: []string{"a"}, Usage: "Origin AS (64500 or AS64500)"},
		&cli.StringFlag{Name: "tal", Usage: "Trust anchor"},
		&cli.IntFlag{Name: "max-len", Usage: "Exact max length", Value: -1},
		&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "Only authorizations active on this day (YYYY-MM-DD)"},
		&cli.BoolFlag{Name: "current", Usage: "Only authorizations present in the latest dump"},
		&cli.IntFlag{Name: "page", Usage: "Zero-based result page"},
		&cli.IntFlag{Name: "page-size", Usage: "Results per page", Value: service.DefaultPageSize},
	)
	return &cli.Command{
		Name:      "search",
		Usage:     "Search ROA history by prefix, origin AS, trust anchor and date",
		Flags:     flags,
		Action:    runSearch,
	}
}

// ValidateCommand runs route origin validation for an announcement.
func ValidateCommand() *cli.Command {
	flags := append(queryFlags(),
		&cli.StringFlag{Name: "prefix", Aliases: []string{"p"}, Usage: "Announced prefix", Required: true},
		&cli.StringFlag{Name: "asn", Aliases: []string{"a"}, Usage: "Origin AS", Required: true},
		&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "Validate as of this day; default: current state"},
	)
	return &cli.Command{
		Name:   "validate",
		Usage:  "Validate a route origin against the ROA history",
		Flags:  flags,
		Action: runValidate,
	}
}

func runSearch(c *cli.Context) error {
	req, err := lookupRequest(c)
	if err != nil {
		return err
	}
	q, err := newQuerier(c.Context, c)
	if err != nil {
		return err
	}
	res, err := q.Search(c.Context, req)
	if err != nil {
		return err
	}
	return Print(c, res)
}

func lookupRequest(c *cli.Context) (*service.LookupRequest, error) {
	req := &service.LookupRequest{
		TAL:      c.String("tal"),
		Page:     c.Int("page"),
		PageSize: c.Int("page-size"),
	}
	var err error

	if s := c.String("prefix"); s != "" {
		if req.Prefix, err = parsePrefix(s); err != nil {
			return nil, err
		}
	}
	if req.Match, err = memory.ParseMatchMode(c.String("match")); err != nil {
		return nil, err
	}
	if s := c.String("asn"); s != "" {
		asn, err := domain.ParseASN(s)
		if err != nil {
			return nil, domain.ErrInvalidQuery.WithDetails(err.Error())
		}
		req.ASN = &asn
	}
	if req.TAL != "" && !domain.ValidAnchor(req.TAL) {
		return nil, domain.ErrUnknownAnchor.WithDetails(req.TAL)
	}
	if n := c.Int("max-len"); n >= 0 {
		req.MaxLen = &n
	}
	if req.Date, err = parseDateFlag(c.String("date")); err != nil {
		return nil, err
	}
	if c.IsSet("current") {
		cur := c.Bool("current")
		req.Current = &cur
	}
	return req, nil
}

func runValidate(c *cli.Context) error {
	prefix, err := parsePrefix(c.String("prefix"))
	if err != nil {
		return err
	}
	asn, err := domain.ParseASN(c.String("asn"))
	if err != nil {
		return domain.ErrInvalidQuery.WithDetails(err.Error())
	}
	date, err := parseDateFlag(c.String("date"))
	if err != nil {
		return err
	}

	q, err := newQuerier(c.Context, c)
	if err != nil {
		return err
	}
	res, err := q.Validate(c.Context, prefix, asn, date)
	if err != nil {
		return err
	}
	return Print(c, res)
}

// parsePrefix accepts a CIDR or a bare address (a host prefix).
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, errors.New("empty prefix")
	}
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
