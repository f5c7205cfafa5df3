package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
)

func TestTable_Render(t *testing.T) {
	tbl := &Table{Title: "roas"}
	tbl.SetHeaders("PREFIX", "ASN")
	tbl.AddRow("192.0.2.0/24", "AS64500")
	tbl.AddRow("2001:db8::/32", "AS64501")

	var buf bytes.Buffer
	if err := tbl.Render(&buf); err != nil {
		t.Fatalf("Render: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if lines[0] != "roas" {
		t.Errorf("title = %q", lines[0])
	}
	// Columns are aligned.
	if strings.Index(lines[1], "ASN") != strings.Index(lines[3], "AS64501") {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

func TestTable_RenderNoHeaders(t *testing.T) {
	tbl := &Table{Headers: []string{"A"}, Rows: [][]string{{"x"}}}
	var buf bytes.Buffer
	if err := tbl.RenderWithOptions(&buf, true); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "x\n" {
		t.Errorf("output = %q, want %q", buf.String(), "x\n")
	}
}

func TestTableFormatter_Lookup(t *testing.T) {
	var buf bytes.Buffer
	if err := (&TableFormatter{}).Format(&buf, sampleLookup()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"PREFIX", "192.0.2.0/24", "AS64500", "ripencc", "2020-01-01..2020-02-01, 2021-01-01.."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "INTERVALS") {
		t.Error("INTERVALS column is wide-only")
	}

	buf.Reset()
	if err := (&TableFormatter{Wide: true}).Format(&buf, sampleLookup()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "INTERVALS") {
		t.Errorf("wide output missing INTERVALS:\n%s", buf.String())
	}
}

func TestFormatRanges(t *testing.T) {
	d := domain.MustParseDate
	ranges := []service.DateRange{
		{Start: d("2020-01-01"), End: d("2020-01-05")},
		{Start: d("2020-02-01"), End: d("2020-02-05")},
		{Start: d("2020-03-01"), End: d("2020-03-05")},
		{Start: d("2020-04-01")},
	}

	if got := formatRanges(nil, false); got != "-" {
		t.Errorf("empty = %q, want -", got)
	}
	want := "2020-01-01..2020-01-05, (+2), 2020-04-01.."
	if got := formatRanges(ranges, false); got != want {
		t.Errorf("compact = %q, want %q", got, want)
	}
	if got := formatRanges(ranges, true); strings.Count(got, "..") != 4 {
		t.Errorf("wide = %q, want all four ranges", got)
	}
}

func TestTableFormatter_Validate(t *testing.T) {
	res := &service.ValidateResult{
		Prefix:   "192.0.2.0/24",
		ASN:      64500,
		Date:     domain.MustParseDate("2024-01-01"),
		Validity: service.Invalid,
	}
	var buf bytes.Buffer
	if err := (&TableFormatter{}).Format(&buf, res); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "192.0.2.0/24 AS64500 on 2024-01-01: INVALID\n" {
		t.Errorf("output = %q", got)
	}
}

func TestTableFormatter_Views(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	tests := []struct {
		name string
		data any
		want []string
	}{
		{
			name: "cycles",
			data: []*service.CycleResult{{
				TAL: "apnic", Mode: service.ModeUpdate, Listed: 3, Merged: 2, Failed: 1,
				Watermark: domain.MustParseDate("2024-02-02"), Duration: 1500 * time.Millisecond,
			}},
			want: []string{"apnic", "update", "2024-02-02", "1.5s"},
		},
		{
			name: "checkpoint",
			data: &snapshot.Info{
				Name: "checkpoint-01", Version: 1, Entries: 10, Size: 2048,
				Anchors: []domain.AnchorState{{Name: "arin", Watermark: domain.MustParseDate("2024-03-03")}},
			},
			want: []string{"checkpoint-01", "2.0 KiB", "watermark.arin", "2024-03-03"},
		},
		{
			name: "status",
			data: &handler.StatusResponse{
				Ready: true,
				Anchors: []service.AnchorStatus{{
					TAL: "lacnic", Phase: service.PhaseFetching,
					Last: &service.CycleResult{Mode: service.ModeBootstrap, Merged: 4, StartedAt: started},
				}},
			},
			want: []string{"ready=true", "lacnic", "fetching", "bootstrap merged=4"},
		},
		{
			name: "ingest",
			data: &handler.IngestResponse{Mode: service.ModeUpdate, Triggered: []string{"afrinic"}, Busy: []string{"arin"}},
			want: []string{"afrinic", "started", "arin", "busy"},
		},
		{
			name: "fallback",
			data: map[string]int{"x": 1},
			want: []string{`"x": 1`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := (&TableFormatter{}).Format(&buf, tt.data); err != nil {
				t.Fatal(err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}
