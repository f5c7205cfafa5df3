package pgexport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS roa_history (
	tal         text        NOT NULL,
	prefix      cidr        NOT NULL,
	asn         bigint      NOT NULL,
	max_len     integer     NOT NULL,
	current     boolean     NOT NULL,
	date_ranges daterange[] NOT NULL
);
CREATE INDEX IF NOT EXISTS roa_history_prefix_idx ON roa_history USING gist (prefix inet_ops);
CREATE INDEX IF NOT EXISTS roa_history_asn_idx ON roa_history (asn);
CREATE TABLE IF NOT EXISTS roa_anchor (
	tal       text PRIMARY KEY,
	watermark date NOT NULL
);`

var historyColumns = []string{"tal", "prefix", "asn", "max_len", "current", "date_ranges"}

// Result summarizes one export.
type Result struct {
	Rows     int           `json:"rows"`
	Anchors  int           `json:"anchors"`
	Duration time.Duration `json:"duration"`
}

// Exporter writes index views to a PostgreSQL database.
type Exporter struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to dsn.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgexport: connect: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Exporter{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (e *Exporter) Close() error {
	return e.db.Close()
}

// Export replaces the table contents with view.
func (e *Exporter) Export(ctx context.Context, view *memory.View) (*Result, error) {
	start := time.Now()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgexport: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgexport: schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `TRUNCATE roa_history, roa_anchor`); err != nil {
		return nil, fmt.Errorf("pgexport: truncate: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("roa_history", historyColumns...))
	if err != nil {
		return nil, fmt.Errorf("pgexport: copy: %w", err)
	}

	res := &Result{}
	var copyErr error
	view.Walk(func(en memory.Entry) bool {
		r := historyRow(en)
		if _, copyErr = stmt.ExecContext(ctx, r...); copyErr != nil {
			return false
		}
		res.Rows++
		return true
	})
	if copyErr != nil {
		stmt.Close()
		return nil, fmt.Errorf("pgexport: copy row %d: %w", res.Rows, copyErr)
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return nil, fmt.Errorf("pgexport: flush: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return nil, fmt.Errorf("pgexport: close copy: %w", err)
	}

	for _, a := range view.Anchors() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO roa_anchor (tal, watermark) VALUES ($1, $2)`,
			a.Name, a.Watermark.String()); err != nil {
			return nil, fmt.Errorf("pgexport: anchor %s: %w", a.Name, err)
		}
		res.Anchors++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgexport: commit: %w", err)
	}
	res.Duration = time.Since(start)

	e.logger.Info("history exported",
		"rows", res.Rows,
		"anchors", res.Anchors,
		"elapsed", res.Duration)
	return res, nil
}

func historyRow(en memory.Entry) []any {
	return []any{
		en.Key.TAL,
		en.Key.Prefix.String(),
		int64(en.Key.ASN),
		int(en.Key.MaxLen),
		en.History.Current(),
		rangeArray(en.History),
	}
}

// rangeArray renders h as a daterange[] literal. Upper bounds are
// exclusive.
func rangeArray(h *domain.History) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, iv := range h.Intervals {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(`"[`)
		sb.WriteString(iv.Start.String())
		sb.WriteByte(',')
		if !iv.Open {
			sb.WriteString(iv.End.Next().String())
		}
		sb.WriteString(`)"`)
	}
	sb.WriteByte('}')
	return sb.String()
}

// quoteDSN hides the password of a key=value or URL style dsn.
func quoteDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		if i := strings.Index(dsn, "@"); i > 0 {
			if j := strings.LastIndex(dsn[:i], ":"); j > strings.Index(dsn, "://")+2 {
				return dsn[:j+1] + "xxxxx" + dsn[i:]
			}
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}

// Describe returns a loggable form of dsn.
func Describe(dsn string) string {
	return strconv.Quote(quoteDSN(dsn))
}
