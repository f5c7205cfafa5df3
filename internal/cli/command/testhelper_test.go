package command

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

const (
	testToken = "test-admin-token"

	csvHeader = "URI,ASN,IP Prefix,Max Length,Not Before,Not After\n"
	rowWide   = "rsync://rpki.example.net/repo/a.roa,AS64500,192.0.2.0/24,24,,\n"
	rowNarrow = "rsync://rpki.example.net/repo/b.roa,AS64501,198.51.100.0/24,,,\n"
)

// runApp runs the CLI with args and returns stdout and stderr.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := App()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{"wayback-cli"}, args...))
	return stdout.String(), stderr.String(), err
}

// writeDay stores an uncompressed dump in archive layout.
func writeDay(t *testing.T, root, tal, date string, rows ...string) {
	t.Helper()
	d := domain.MustParseDate(date)
	dir := filepath.Join(root, tal+".tal", d.Time().Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := csvHeader
	for _, r := range rows {
		body += r
	}
	if err := os.WriteFile(filepath.Join(dir, "roas.csv"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newArchive holds arin days 2024-01-01..03. rowNarrow is only
// published on the first day.
func newArchive(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeDay(t, root, "arin", "2024-01-01", rowWide, rowNarrow)
	writeDay(t, root, "arin", "2024-01-02", rowWide)
	writeDay(t, root, "arin", "2024-01-03", rowWide)
	return root
}

// archiveArgs are the flags pointing a local run at root.
func archiveArgs(root string) []string {
	return []string{
		"--source-url", root,
		"--file-name", "roas.csv",
		"--request-rate", "0",
		"--tal", "arin",
	}
}

type stubTrigger struct {
	calls []string
}

func (s *stubTrigger) Trigger(tal string, mode service.Mode) error {
	s.calls = append(s.calls, tal+":"+string(mode))
	return nil
}

// newServer serves the router over an index with 192.0.2.0/24 AS64500
// (arin) since 2024-01-01.
func newServer(t *testing.T) (*httptest.Server, *stubTrigger) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := memory.New()
	m := service.NewMerger(idx, service.WithMergerLogger(log))
	r, err := domain.NewRoa(netip.MustParsePrefix("192.0.2.0/24"), 64500, 24)
	if err != nil {
		t.Fatal(err)
	}
	set := make(domain.RoaSet)
	set.Add(r)
	if _, err := m.Apply(context.Background(), "arin", domain.MustParseDate("2024-01-01"), set); err != nil {
		t.Fatal(err)
	}

	trig := &stubTrigger{}
	srv := httptest.NewServer(httpserver.NewRouter(&httpserver.RouterConfig{
		Handler: handler.Config{
			Query:   service.NewQueryService(idx),
			Trigger: trig,
			Status:  fixedStatus{{TAL: "arin", Phase: service.PhaseIdle, Watermark: domain.MustParseDate("2024-01-01")}},
			TALs:    []string{"arin"},
		},
		Logger:     log,
		AdminToken: testToken,
	}))
	t.Cleanup(srv.Close)
	return srv, trig
}

type fixedStatus []service.AnchorStatus

func (f fixedStatus) Status() []service.AnchorStatus { return f }
