package command

import (
	"github.com/urfave/cli/v2"
)

// StatusCommand shows index and per-anchor ingestion state of a server.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show index size and ingestion state of a running server",
		Flags: append(serverFlags(), outputFlags()...),
		Action: func(c *cli.Context) error {
			client, err := EnsureClient(c)
			if err != nil {
				return err
			}
			st, err := client.Status(c.Context)
			if err != nil {
				return err
			}
			return Print(c, st)
		},
	}
}

// HealthCommand probes /health, or /ready with --ready.
func HealthCommand() *cli.Command {
	flags := append(serverFlags(), outputFlags()...)
	flags = append(flags, &cli.BoolFlag{
		Name:  "ready",
		Usage: "Require the index to be recovered",
	})
	return &cli.Command{
		Name:  "health",
		Usage: "Check that a server is up",
		Flags: flags,
		Action: func(c *cli.Context) error {
			client, err := EnsureClient(c)
			if err != nil {
				return err
			}
			res, err := client.Health(c.Context, c.Bool("ready"))
			if err != nil {
				return err
			}
			return Print(c, res)
		},
	}
}
