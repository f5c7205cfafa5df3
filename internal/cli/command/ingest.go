package command

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/wayback-rpki/internal/cli/output"
	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/infra/buildinfo"
	"github.com/yndnr/wayback-rpki/internal/source"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

// Defaults of local ingestion runs.
const (
	defaultWorkers       = 4
	defaultRequestRate   = 10
	defaultFetchTimeout  = 2 * time.Minute
	defaultMaxBridgeDays = 7
)

// BootstrapCommand builds history from the start of the archive.
func BootstrapCommand() *cli.Command {
	flags := ingestFlags()
	flags = append(flags,
		&cli.StringFlag{
			Name:  "from",
			Usage: "First date to ingest (YYYY-MM-DD); default: earliest in the archive",
		},
		&cli.BoolFlag{
			Name:  "resume",
			Usage: "Continue from the newest checkpoint instead of an empty index",
		},
	)
	return &cli.Command{
		Name:  "bootstrap",
		Usage: "Build the ROA history from the archive and write a checkpoint",
		Description: "Walks every archived day of the selected trust anchors, merges them in date\n" +
			"order and saves the resulting index to --checkpoint.",
		Flags: flags,
		Action: func(c *cli.Context) error {
			return runLocalIngest(c, service.ModeBootstrap)
		},
	}
}

// UpdateCommand extends the newest checkpoint with days published since.
func UpdateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Ingest days after the newest checkpoint and write a new checkpoint",
		Flags: ingestFlags(),
		Action: func(c *cli.Context) error {
			return runLocalIngest(c, service.ModeUpdate)
		},
	}
}

// IngestCommand asks a running server to start a cycle.
func IngestCommand() *cli.Command {
	flags := append(serverFlags(), outputFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "tal",
			Usage: "Trust anchor to ingest; default: every anchor the server tracks",
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "bootstrap or update",
			Value: string(service.ModeUpdate),
		},
	)
	return &cli.Command{
		Name:   "ingest",
		Usage:  "Trigger an ingestion cycle on a running server",
		Flags:  flags,
		Action: triggerIngest,
	}
}

func ingestFlags() []cli.Flag {
	flags := checkpointFlags()
	flags = append(flags, outputFlags()...)
	return append(flags,
		&cli.StringSliceFlag{
			Name:  "tal",
			Usage: "Trust anchors to ingest (repeatable); default: all",
		},
		&cli.StringFlag{
			Name:  "until",
			Usage: "Last date to ingest (YYYY-MM-DD); default: today",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Parallel downloads",
			Value: defaultWorkers,
		},
		&cli.StringFlag{
			Name:    "source-url",
			Usage:   "Archive root: http(s) URL, file:// URL or directory",
			Value:   source.DefaultBaseURL,
			EnvVars: []string{"WAYBACK_SOURCE_URL"},
		},
		&cli.StringFlag{
			Name:  "file-name",
			Usage: "Dump file name inside each day directory",
			Value: source.DefaultFileName,
		},
		&cli.Float64Flag{
			Name:  "request-rate",
			Usage: "Archive requests per second (0 = unlimited)",
			Value: defaultRequestRate,
		},
		&cli.DurationFlag{
			Name:  "fetch-timeout",
			Usage: "Timeout of one dump download",
			Value: defaultFetchTimeout,
		},
		&cli.StringFlag{
			Name:  "failure-policy",
			Usage: "Handling of days that cannot be fetched: empty or skip",
			Value: string(service.PolicyEmpty),
		},
		&cli.IntFlag{
			Name:  "max-bridge-days",
			Usage: "Longest run of unlisted days that keeps intervals open (0 = unlimited)",
			Value: defaultMaxBridgeDays,
		},
	)
}

func runLocalIngest(c *cli.Context, mode service.Mode) error {
	ctx := c.Context
	log := Logger(c)

	tals, err := parseTALs(c.StringSlice("tal"))
	if err != nil {
		return err
	}
	from, err := parseDateFlag(c.String("from"))
	if err != nil {
		return err
	}
	until, err := parseDateFlag(c.String("until"))
	if err != nil {
		return err
	}
	if from.IsSet() && until.IsSet() && from > until {
		return fmt.Errorf("--from %s is after --until %s", from, until)
	}
	policy, err := service.ParseFailurePolicy(c.String("failure-policy"))
	if err != nil {
		return err
	}
	if c.Int("workers") < 1 {
		return errors.New("--workers must be at least 1")
	}

	mgr, err := openStore(c, "")
	if err != nil {
		return err
	}

	idx := memory.New()
	if mode == service.ModeUpdate || c.Bool("resume") {
		loaded, _, err := loadIndex(ctx, c, mgr)
		switch {
		case errors.Is(err, domain.ErrCheckpointNotFound):
			log.Warn("no checkpoint found, starting from an empty index", "location", mgr.Location())
		case err != nil:
			return err
		default:
			idx = loaded
		}
	}

	rps := c.Float64("request-rate")
	archive, err := source.NewArchive(c.String("source-url"),
		source.WithFileName(c.String("file-name")),
		source.WithRateLimit(rps, int(rps)+1),
		source.WithUserAgent(buildinfo.UserAgent()),
		source.WithLogger(log.With("component", "source")),
	)
	if err != nil {
		return err
	}

	merger := service.NewMerger(idx,
		service.WithFailurePolicy(policy),
		service.WithMaxBridgeDays(c.Int("max-bridge-days")),
		service.WithMergerLogger(log.With("component", "merge")),
	)
	progress := output.NewProgress(errWriter(c))
	ing := service.NewIngestor(archive, merger, idx, service.IngestConfig{
		Workers:      c.Int("workers"),
		FetchTimeout: c.Duration("fetch-timeout"),
		From:         from,
		Until:        until,
	},
		service.WithObserver(progress),
		service.WithIngestLogger(log.With("component", "ingest")),
	)

	before := idx.View()
	results, runErr := ing.RunAll(ctx, tals, mode)
	progress.Finish()

	done := make([]*service.CycleResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			done = append(done, r)
		}
	}

	// Every commit publishes a new view.
	if idx.View() != before {
		info, err := mgr.Save(ctx, idx.View())
		if err != nil {
			return errors.Join(runErr, fmt.Errorf("save checkpoint: %w", err))
		}
		fmt.Fprintf(errWriter(c), "checkpoint %s written (%d entries)\n", info.Name, info.Entries)
	}

	if err := Print(c, done); err != nil {
		return err
	}
	return runErr
}

func triggerIngest(c *cli.Context) error {
	client, err := EnsureClient(c)
	if err != nil {
		return err
	}
	mode, err := service.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}
	tal := c.String("tal")
	if tal != "" && !domain.ValidAnchor(tal) {
		return domain.ErrUnknownAnchor.WithDetails(tal)
	}

	res, err := client.Ingest(c.Context, tal, mode)
	if err != nil {
		return err
	}
	return Print(c, res)
}

// parseTALs validates anchor names; none means every known anchor.
func parseTALs(names []string) ([]string, error) {
	if len(names) == 0 {
		return slices.Clone(domain.KnownAnchors), nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !domain.ValidAnchor(n) {
			return nil, domain.ErrUnknownAnchor.WithDetails(n)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func parseDateFlag(s string) (domain.Date, error) {
	if s == "" {
		return domain.NoDate, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return domain.NoDate, domain.ErrInvalidQuery.WithDetailsf("date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}
