package command

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
)

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	return v
}

func TestLocalWorkflow(t *testing.T) {
	archive := newArchive(t)
	ck := t.TempDir()

	// Bootstrap the first two days.
	args := append([]string{"bootstrap", "--checkpoint", ck, "--until", "2024-01-02", "-o", "json"}, archiveArgs(archive)...)
	out, stderr, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("bootstrap: %v\n%s", err, stderr)
	}
	cycles := decode[[]service.CycleResult](t, out)
	if len(cycles) != 1 {
		t.Fatalf("bootstrap cycles = %d, want 1", len(cycles))
	}
	if c := cycles[0]; c.TAL != "arin" || c.Merged != 2 || c.Watermark != domain.MustParseDate("2024-01-02") {
		t.Errorf("bootstrap cycle = %+v, want arin merged=2 watermark=2024-01-02", c)
	}
	if !strings.Contains(stderr, "checkpoint ") {
		t.Errorf("stderr does not report the checkpoint:\n%s", stderr)
	}

	// The narrow ROA was withdrawn on day two.
	out, stderr, err = runApp(t, "search", "--checkpoint", ck, "--asn", "AS64501", "-o", "json")
	if err != nil {
		t.Fatalf("search: %v\n%s", err, stderr)
	}
	res := decode[service.LookupResult](t, out)
	if len(res.Data) != 1 {
		t.Fatalf("search records = %d, want 1", len(res.Data))
	}
	rec := res.Data[0]
	if rec.Prefix != "198.51.100.0/24" || rec.Current || len(rec.DateRanges) != 1 {
		t.Errorf("record = %+v, want one closed range for 198.51.100.0/24", rec)
	}
	if rec.DateRanges[0].Start != domain.MustParseDate("2024-01-01") || !rec.DateRanges[0].End.IsSet() {
		t.Errorf("range = %+v, want a closed range starting 2024-01-01", rec.DateRanges[0])
	}

	out, stderr, err = runApp(t, "validate", "--checkpoint", ck, "-p", "192.0.2.0/24", "-a", "64500", "-o", "json")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, stderr)
	}
	if v := decode[service.ValidateResult](t, out); v.Validity != service.Valid {
		t.Errorf("validity = %s, want valid", v.Validity)
	}

	out, _, err = runApp(t, "validate", "--checkpoint", ck, "-p", "198.51.100.0/24", "-a", "64501", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if v := decode[service.ValidateResult](t, out); v.Validity != service.NotFound {
		t.Errorf("validity of withdrawn ROA = %s, want unknown", v.Validity)
	}

	// Update picks up day three on top of the checkpoint.
	args = append([]string{"update", "--checkpoint", ck, "-o", "json"}, archiveArgs(archive)...)
	out, stderr, err = runApp(t, args...)
	if err != nil {
		t.Fatalf("update: %v\n%s", err, stderr)
	}
	cycles = decode[[]service.CycleResult](t, out)
	if len(cycles) != 1 || cycles[0].Merged != 1 || cycles[0].Watermark != domain.MustParseDate("2024-01-03") {
		t.Errorf("update cycles = %+v, want one merged day ending 2024-01-03", cycles)
	}

	out, _, err = runApp(t, "checkpoint", "list", ck, "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if infos := decode[[]snapshot.Info](t, out); len(infos) != 2 {
		t.Errorf("checkpoints = %d, want 2", len(infos))
	}

	out, _, err = runApp(t, "checkpoint", "info", "--checkpoint", ck, "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	info := decode[snapshot.Info](t, out)
	if info.Entries != 2 {
		t.Errorf("entries = %d, want 2", info.Entries)
	}
	want := domain.AnchorState{Name: "arin", Watermark: domain.MustParseDate("2024-01-03")}
	if len(info.Anchors) != 1 || info.Anchors[0] != want {
		t.Errorf("anchors = %+v, want [%+v]", info.Anchors, want)
	}

	// Table output renders the history.
	out, _, err = runApp(t, "search", "--checkpoint", ck, "--prefix", "192.0.2.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "192.0.2.0/24") || !strings.Contains(out, "2024-01-01..") {
		t.Errorf("table output:\n%s", out)
	}
}

func TestUpdate_NoCheckpoint(t *testing.T) {
	archive := newArchive(t)
	ck := t.TempDir()

	args := append([]string{"update", "--checkpoint", ck, "-o", "json"}, archiveArgs(archive)...)
	out, stderr, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("update: %v\n%s", err, stderr)
	}
	if !strings.Contains(stderr, "no checkpoint found") {
		t.Errorf("stderr = %q, want a warning about the empty store", stderr)
	}
	cycles := decode[[]service.CycleResult](t, out)
	if len(cycles) != 1 || cycles[0].Merged != 3 {
		t.Errorf("cycles = %+v, want all three days merged", cycles)
	}
}

func TestSearch_MissingCheckpoint(t *testing.T) {
	_, _, err := runApp(t, "search", "--checkpoint", t.TempDir(), "--asn", "64500")
	if err == nil {
		t.Fatal("expected an error for an empty checkpoint store")
	}
	if !strings.Contains(err.Error(), "checkpoint not found") {
		t.Errorf("error = %v", err)
	}
}

func TestRemoteCommands(t *testing.T) {
	srv, trig := newServer(t)

	out, stderr, err := runApp(t, "search", "--server", srv.URL, "--asn", "64500", "-o", "json")
	if err != nil {
		t.Fatalf("search: %v\n%s", err, stderr)
	}
	res := decode[service.LookupResult](t, out)
	if len(res.Data) != 1 || res.Data[0].Prefix != "192.0.2.0/24" || !res.Data[0].Current {
		t.Errorf("search = %+v", res.Data)
	}

	out, _, err = runApp(t, "validate", "--server", srv.URL, "-p", "192.0.2.128/25", "-a", "64500", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if v := decode[service.ValidateResult](t, out); v.Validity != service.Invalid {
		t.Errorf("validity of a too-specific announcement = %s, want invalid", v.Validity)
	}

	out, _, err = runApp(t, "health", "--server", srv.URL, "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if h := decode[handler.HealthResponse](t, out); h.Status == "" {
		t.Errorf("health = %+v", h)
	}

	out, _, err = runApp(t, "status", "--server", srv.URL, "--admin-token", testToken, "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	st := decode[handler.StatusResponse](t, out)
	if !st.Ready || len(st.Anchors) != 1 || st.Anchors[0].TAL != "arin" {
		t.Errorf("status = %+v", st)
	}

	out, _, err = runApp(t, "ingest", "--server", srv.URL, "--admin-token", testToken, "--tal", "arin", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	ing := decode[handler.IngestResponse](t, out)
	if len(ing.Triggered) != 1 || ing.Triggered[0] != "arin" {
		t.Errorf("ingest = %+v", ing)
	}
	if len(trig.calls) != 1 || trig.calls[0] != "arin:update" {
		t.Errorf("trigger calls = %v", trig.calls)
	}

	_, _, err = runApp(t, "status", "--server", srv.URL)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("status without token: err = %v, want ErrUnauthorized", err)
	}

	_, _, err = runApp(t, "checkpoint", "save", "--server", srv.URL, "--admin-token", testToken)
	if !errors.Is(err, domain.ErrNotReady) {
		t.Errorf("checkpoint save without a store: err = %v, want ErrNotReady", err)
	}
}
