package command

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/wayback-rpki/internal/cli/output"
	"github.com/yndnr/wayback-rpki/internal/storage/pgexport"
)

// ExportCommand copies a checkpoint into PostgreSQL.
func ExportCommand() *cli.Command {
	flags := append(checkpointFlags(), outputFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:    "dsn",
		Usage:   "PostgreSQL connection string (postgres://... or key=value)",
		EnvVars: []string{"WAYBACK_EXPORT_POSTGRES_DSN"},
	})
	return &cli.Command{
		Name:  "export",
		Usage: "Replace the roa_history table of a PostgreSQL database with a checkpoint",
		Flags: flags,
		Action: func(c *cli.Context) error {
			dsn := c.String("dsn")
			if dsn == "" {
				return errors.New("--dsn is required")
			}
			mgr, err := openStore(c, "")
			if err != nil {
				return err
			}
			idx, _, err := loadIndex(c.Context, c, mgr)
			if err != nil {
				return err
			}

			exp, err := pgexport.Open(c.Context, dsn, Logger(c).With("component", "export"))
			if err != nil {
				return err
			}
			defer exp.Close()

			spin := output.NewSpinner(errWriter(c), "exporting to "+pgexport.Describe(dsn))
			spin.Start()
			res, err := exp.Export(c.Context, idx.View())
			if err != nil {
				spin.Fail(err.Error())
				return err
			}
			spin.Success(fmt.Sprintf("%d rows", res.Rows))
			return Print(c, res)
		},
	}
}
