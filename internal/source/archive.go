package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
)

// DefaultBaseURL is the public RIPE NCC RPKI archive.
const DefaultBaseURL = "https://ftp.ripe.net/rpki"

// DefaultFileName is the dump name inside each day directory.
const DefaultFileName = "roas.csv.xz"

const maxListingBytes = 4 << 20

// Archive is a Source reading the dated directory layout over HTTP(S)
// or from a local directory.
type Archive struct {
	base      *url.URL
	fileName  string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithHTTPClient sets the client used for remote archives.
func WithHTTPClient(c *http.Client) ArchiveOption {
	return func(a *Archive) {
		a.client = c
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables it.
func WithRateLimit(rps float64, burst int) ArchiveOption {
	return func(a *Archive) {
		if rps <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithFileName overrides DefaultFileName, e.g. "roas.csv" for an
// uncompressed mirror.
func WithFileName(name string) ArchiveOption {
	return func(a *Archive) {
		a.fileName = name
	}
}

// WithUserAgent sets the User-Agent of archive requests.
func WithUserAgent(ua string) ArchiveOption {
	return func(a *Archive) {
		a.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ArchiveOption {
	return func(a *Archive) {
		a.logger = l
	}
}

// NewArchive creates an Archive rooted at baseURL (http, https or file).
// A plain path is treated as a local directory.
func NewArchive(baseURL string, opts ...ArchiveOption) (*Archive, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse archive url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "file":
	case "":
		abs, err := filepath.Abs(baseURL)
		if err != nil {
			return nil, fmt.Errorf("archive path: %w", err)
		}
		u = &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q", u.Scheme)
	}

	a := &Archive{
		base:     u,
		fileName: DefaultFileName,
		client:   &http.Client{Timeout: 5 * time.Minute},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// URL returns the location of the dump of tal on date.
func (a *Archive) URL(tal string, date domain.Date) string {
	return a.join(tal, date.Time().Format("2006/01/02"), a.fileName).String()
}

func (a *Archive) join(tal string, elems ...string) *url.URL {
	u := *a.base
	u.Path = path.Join(append([]string{u.Path, tal + ".tal"}, elems...)...)
	return &u
}

// ListDates returns every day with a directory in the archive between
// from and until inclusive, in ascending order. Either bound may be
// NoDate.
func (a *Archive) ListDates(ctx context.Context, tal string, from, until domain.Date) ([]domain.Date, error) {
	if !domain.ValidAnchor(tal) {
		return nil, domain.ErrUnknownAnchor.WithDetails(tal)
	}
	lo, hi := from.Time(), until.Time()
	if !from.IsSet() {
		lo = time.Time{}
	}
	if !until.IsSet() {
		hi = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}

	years, err := a.listNumbers(ctx, a.join(tal), 4)
	if err != nil {
		return nil, err
	}

	var out []domain.Date
	for _, y := range years {
		if y < lo.Year() || y > hi.Year() {
			continue
		}
		months, err := a.listNumbers(ctx, a.join(tal, fmt.Sprintf("%04d", y)), 2)
		if err != nil {
			return nil, err
		}
		for _, m := range months {
			if m < 1 || m > 12 {
				continue
			}
			ym := y*12 + m
			if ym < lo.Year()*12+int(lo.Month()) || ym > hi.Year()*12+int(hi.Month()) {
				continue
			}
			days, err := a.listNumbers(ctx, a.join(tal, fmt.Sprintf("%04d", y), fmt.Sprintf("%02d", m)), 2)
			if err != nil {
				return nil, err
			}
			for _, d := range days {
				date := domain.NewDate(y, time.Month(m), d)
				if date.Time().Day() != d {
					continue // e.g. 02/31
				}
				if from.IsSet() && date < from || until.IsSet() && date > until {
					continue
				}
				out = append(out, date)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Fetch downloads and parses the dump of tal on date.
func (a *Archive) Fetch(ctx context.Context, tal string, date domain.Date) (*Dump, error) {
	u := a.URL(tal, date)
	rc, err := a.open(ctx, a.join(tal, date.Time().Format("2006/01/02"), a.fileName))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if strings.HasSuffix(a.fileName, ".xz") {
		xr, err := xz.NewReader(rc)
		if err != nil {
			return nil, domain.ErrFetchFailed.WithCause(err).WithDetailsf("%s: xz header", u)
		}
		r = xr
	}

	log := a.logger
	if id := logger.CycleIDFromContext(ctx); id != "" {
		log = log.With("cycle_id", id)
	}
	dropped := 0
	res, err := Parse(r, func(line int, err error) {
		dropped++
		log.Debug("dropped roa record",
			"tal", tal,
			"date", date.String(),
			"line", line,
			"error", err)
	})
	if err != nil {
		if errors.Is(err, domain.ErrMalformedFile) {
			return nil, fmt.Errorf("%s: %w", u, err)
		}
		return nil, domain.ErrFetchFailed.WithCause(err).WithDetails(u)
	}
	if dropped > 0 {
		log.Info("dump contained malformed records",
			"tal", tal,
			"date", date.String(),
			"dropped", dropped,
			"rows", res.Rows)
	}

	return &Dump{
		TAL:     tal,
		Date:    date,
		URL:     u,
		Roas:    res.Roas,
		Rows:    res.Rows,
		Dropped: res.Dropped,
	}, nil
}

// listNumbers returns the numeric sub-directory names of width digits
// found under u.
func (a *Archive) listNumbers(ctx context.Context, u *url.URL, width int) ([]int, error) {
	names, err := a.list(ctx, u)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, name := range names {
		name = strings.TrimSuffix(name, "/")
		name = path.Base(name)
		if len(name) != width {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// list returns the entry names of a directory.
func (a *Archive) list(ctx context.Context, u *url.URL) ([]string, error) {
	if u.Scheme == "file" {
		entries, err := os.ReadDir(filepath.FromSlash(u.Path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, domain.ErrFetchFailed.WithCause(err).WithDetails(u.String())
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		return names, nil
	}

	// Directory listings need the trailing slash for relative links.
	dir := *u
	dir.Path += "/"
	rc, err := a.open(ctx, &dir)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return parseListing(io.LimitReader(rc, maxListingBytes))
}

// parseListing extracts the href of every anchor in an HTML index page.
func parseListing(r io.Reader) ([]string, error) {
	var links []string
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return links, nil
			}
			return nil, domain.ErrFetchFailed.WithCause(z.Err()).WithDetails("listing")
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					links = append(links, string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}

func (a *Archive) open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrFetchFailed.WithCause(err).WithDetails(u.String())
	}
	if u.Scheme == "file" {
		f, err := os.Open(filepath.FromSlash(u.Path))
		if err != nil {
			return nil, domain.ErrFetchFailed.WithCause(err).WithDetails(u.String())
		}
		return f, nil
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, domain.ErrFetchFailed.WithCause(err).WithDetails(u.String())
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.ErrFetchFailed.WithCause(err).WithDetails(u.String())
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, domain.ErrFetchFailed.WithCause(err).WithDetails(u.String())
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, domain.ErrFetchFailed.WithDetailsf("%s: %s", u, resp.Status)
	}
	return resp.Body, nil
}
