package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/storage/pgexport"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
)

// compactRanges is the number of date ranges shown per row outside wide
// mode.
const compactRanges = 2

func toTable(data any, wide bool) (*Table, bool) {
	switch v := data.(type) {
	case *Table:
		return v, true
	case Table:
		return &v, true
	case *service.LookupResult:
		return lookupTable(v, wide), true
	case *service.ValidateResult:
		return validateTable(v, wide), true
	case []*service.CycleResult:
		return cyclesTable(v, wide), true
	case *snapshot.Info:
		return checkpointTable(v), true
	case []*snapshot.Info:
		return checkpointsTable(v, wide), true
	case *handler.StatusResponse:
		return statusTable(v, wide), true
	case *handler.IngestResponse:
		return ingestTable(v), true
	case *handler.HealthResponse:
		return &Table{
			Headers: []string{"STATUS", "TIME"},
			Rows:    [][]string{{v.Status, v.Time}},
		}, true
	case *pgexport.Result:
		return &Table{
			Headers: []string{"ROWS", "ANCHORS", "DURATION"},
			Rows: [][]string{{
				strconv.Itoa(v.Rows),
				strconv.Itoa(v.Anchors),
				v.Duration.Round(time.Millisecond).String(),
			}},
		}, true
	}
	return nil, false
}

func recordHeaders(wide bool) []string {
	h := []string{"PREFIX", "ASN", "MAX_LEN", "TAL", "CURRENT", "DATE_RANGES"}
	if wide {
		h = append(h, "INTERVALS")
	}
	return h
}

func recordRow(r service.RoaRecord, wide bool) []string {
	row := []string{
		r.Prefix,
		"AS" + strconv.FormatUint(uint64(r.ASN), 10),
		strconv.Itoa(r.MaxLen),
		r.TAL,
		strconv.FormatBool(r.Current),
		formatRanges(r.DateRanges, wide),
	}
	if wide {
		row = append(row, strconv.Itoa(len(r.DateRanges)))
	}
	return row
}

func lookupTable(res *service.LookupResult, wide bool) *Table {
	t := &Table{Headers: recordHeaders(wide)}
	for _, r := range res.Data {
		t.AddRow(recordRow(r, wide)...)
	}
	m := res.Meta
	if m.Total > m.Count {
		t.Title = fmt.Sprintf("showing %d of %d (page %d, data as of %s)",
			m.Count, m.Total, m.Page, m.LatestDate)
	}
	return t
}

func validateTable(res *service.ValidateResult, wide bool) *Table {
	t := &Table{
		Title: fmt.Sprintf("%s AS%d on %s: %s", res.Prefix, res.ASN, res.Date, strings.ToUpper(string(res.Validity))),
	}
	if len(res.Matched) == 0 {
		return t
	}
	t.Headers = recordHeaders(wide)
	for _, r := range res.Matched {
		t.AddRow(recordRow(r, wide)...)
	}
	return t
}

func cyclesTable(results []*service.CycleResult, wide bool) *Table {
	t := &Table{Headers: []string{"TAL", "MODE", "LISTED", "MERGED", "FAILED", "SKIPPED", "WATERMARK", "DURATION"}}
	if wide {
		t.Headers = append(t.Headers, "ID", "DROPPED_ROWS", "ERROR")
	}
	for _, r := range results {
		row := []string{
			r.TAL,
			string(r.Mode),
			strconv.Itoa(r.Listed),
			strconv.Itoa(r.Merged),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Skipped),
			r.Watermark.String(),
			r.Duration.Round(time.Millisecond).String(),
		}
		if r.Cancelled {
			row[1] += " (cancelled)"
		}
		if wide {
			row = append(row, r.ID, strconv.Itoa(r.Dropped), orDash(r.Error))
		}
		t.AddRow(row...)
	}
	return t
}

func checkpointTable(info *snapshot.Info) *Table {
	t := &Table{Headers: []string{"FIELD", "VALUE"}}
	t.AddRow("name", info.Name)
	t.AddRow("location", info.Location)
	t.AddRow("version", strconv.Itoa(info.Version))
	t.AddRow("created_at", info.CreatedAt.UTC().Format(time.RFC3339))
	t.AddRow("entries", strconv.Itoa(info.Entries))
	t.AddRow("size", humanize.IBytes(uint64(info.Size)))
	t.AddRow("compression", orDash(info.Compression))
	t.AddRow("encrypted", strconv.FormatBool(info.Encrypted))
	t.AddRow("checksum", orDash(info.Checksum))
	for _, a := range info.Anchors {
		t.AddRow("watermark."+a.Name, a.Watermark.String())
	}
	return t
}

func checkpointsTable(infos []*snapshot.Info, wide bool) *Table {
	t := &Table{Headers: []string{"NAME", "CREATED_AT", "ENTRIES", "SIZE", "ENCRYPTED"}}
	if wide {
		t.Headers = append(t.Headers, "COMPRESSION", "CHECKSUM")
	}
	for _, info := range infos {
		row := []string{
			info.Name,
			info.CreatedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(info.Entries),
			humanize.IBytes(uint64(info.Size)),
			strconv.FormatBool(info.Encrypted),
		}
		if wide {
			row = append(row, orDash(info.Compression), orDash(info.Checksum))
		}
		t.AddRow(row...)
	}
	return t
}

func statusTable(st *handler.StatusResponse, wide bool) *Table {
	t := &Table{
		Title: fmt.Sprintf("ready=%t entries=%d (ipv4 %d, ipv6 %d) latest=%s",
			st.Ready, st.Index.IPv4+st.Index.IPv6, st.Index.IPv4, st.Index.IPv6, st.Index.LatestDate),
		Headers: []string{"TAL", "PHASE", "WATERMARK", "OPEN", "LAST_CYCLE"},
	}
	if wide {
		t.Headers = append(t.Headers, "CYCLE_ID", "LAST_ERROR")
	}
	for _, a := range st.Anchors {
		last, lastErr := "-", "-"
		if a.Last != nil {
			last = fmt.Sprintf("%s merged=%d failed=%d %s ago",
				a.Last.Mode, a.Last.Merged, a.Last.Failed,
				time.Since(a.Last.StartedAt).Round(time.Second))
			lastErr = orDash(a.Last.Error)
		}
		row := []string{
			a.TAL,
			string(a.Phase),
			a.Watermark.String(),
			strconv.Itoa(st.Index.Open[a.TAL]),
			last,
		}
		if wide {
			row = append(row, orDash(a.CycleID), lastErr)
		}
		t.AddRow(row...)
	}
	return t
}

func ingestTable(resp *handler.IngestResponse) *Table {
	t := &Table{Headers: []string{"TAL", "MODE", "STATE"}}
	for _, tal := range resp.Triggered {
		t.AddRow(tal, string(resp.Mode), "started")
	}
	for _, tal := range resp.Busy {
		t.AddRow(tal, string(resp.Mode), "busy")
	}
	return t
}

// formatRanges renders closed ranges as start..end and an open one as
// start.. . Outside wide mode only the first and last ranges are kept.
func formatRanges(ranges []service.DateRange, wide bool) string {
	if len(ranges) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		end := ""
		if r.End.IsSet() {
			end = r.End.String()
		}
		parts = append(parts, r.Start.String()+".."+end)
	}
	if !wide && len(parts) > compactRanges {
		return fmt.Sprintf("%s, (+%d), %s", parts[0], len(parts)-compactRanges, parts[len(parts)-1])
	}
	return strings.Join(parts, ", ")
}
