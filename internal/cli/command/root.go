package command

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/wayback-rpki/internal/cli/connection"
	"github.com/yndnr/wayback-rpki/internal/cli/output"
	"github.com/yndnr/wayback-rpki/internal/infra/buildinfo"
	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
)

const metaLogger = "logger"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "wayback-cli",
		Usage:   "build and query the historical RPKI ROA index",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			BootstrapCommand(),
			UpdateCommand(),
			IngestCommand(),
			SearchCommand(),
			ValidateCommand(),
			CheckpointCommand(),
			ExportCommand(),
			StatusCommand(),
			HealthCommand(),
		},
		Metadata: map[string]any{},
		Before:   setupLogger,
	}
}

// globalFlags returns the flags accepted before any command.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "Log progress details to stderr",
			EnvVars: []string{"WAYBACK_VERBOSE"},
		},
	}
}

// outputFlags are accepted by every command that prints a result.
func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			Value:   string(output.FormatTable),
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "Show wide output (more columns)",
		},
	}
}

// serverFlags select a running wayback-server.
func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "wayback-server address, including its root path (e.g. localhost:8080/wayback)",
			EnvVars: []string{"WAYBACK_SERVER"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "Bearer token of the admin API",
			EnvVars: []string{"WAYBACK_ADMIN_TOKEN"},
		},
	}
}

// CommonFlags holds the shared flags of one invocation.
type CommonFlags struct {
	Server     string
	AdminToken string

	Checkpoint string
	Passphrase string

	Output  output.Format
	Wide    bool
	Verbose bool
}

// ParseCommonFlags extracts the shared flags from context. Flags a
// command does not define read as empty.
func ParseCommonFlags(c *cli.Context) (*CommonFlags, error) {
	format, err := output.ParseFormat(c.String("output"))
	if err != nil {
		return nil, err
	}
	return &CommonFlags{
		Server:     c.String("server"),
		AdminToken: c.String("admin-token"),
		Checkpoint: c.String("checkpoint"),
		Passphrase: c.String("passphrase"),
		Output:     format,
		Wide:       c.Bool("wide"),
		Verbose:    c.Bool("verbose"),
	}, nil
}

func setupLogger(c *cli.Context) error {
	level := "warn"
	if c.Bool("verbose") {
		level = "debug"
	}
	l, err := logger.New(logger.Config{
		Level:  level,
		Format: "text",
		Output: errWriter(c),
	})
	if err != nil {
		return err
	}
	c.App.Metadata[metaLogger] = l.Slog()
	return nil
}

// Logger returns the logger set up for the invocation.
func Logger(c *cli.Context) *slog.Logger {
	if l, ok := c.App.Metadata[metaLogger].(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EnsureClient returns a client for --server.
func EnsureClient(c *cli.Context) (*connection.HTTPClient, error) {
	flags, err := ParseCommonFlags(c)
	if err != nil {
		return nil, err
	}
	if flags.Server == "" {
		return nil, errors.New("--server is required")
	}
	return connection.NewHTTPClient(flags.Server, connection.WithAdminToken(flags.AdminToken)), nil
}

// Print writes data to stdout in the selected format.
func Print(c *cli.Context, data any) error {
	flags, err := ParseCommonFlags(c)
	if err != nil {
		return err
	}
	return output.NewFormatter(flags.Output, flags.Wide).Format(outWriter(c), data)
}

// PrintError prints an error message to stderr.
func PrintError(c *cli.Context, format string, args ...any) {
	fmt.Fprintf(errWriter(c), "error: "+format+"\n", args...)
}

func outWriter(c *cli.Context) io.Writer {
	if c.App.Writer != nil {
		return c.App.Writer
	}
	return io.Discard
}

func errWriter(c *cli.Context) io.Writer {
	if c.App.ErrWriter != nil {
		return c.App.ErrWriter
	}
	return io.Discard
}
