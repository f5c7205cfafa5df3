package command

import (
	"github.com/urfave/cli/v2"

	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
)

// CheckpointCommand returns the checkpoint subcommand group.
func CheckpointCommand() *cli.Command {
	local := func() []cli.Flag {
		return append(checkpointFlags(), outputFlags()...)
	}
	return &cli.Command{
		Name:    "checkpoint",
		Aliases: []string{"ckpt"},
		Usage:   "Inspect checkpoint stores",
		Subcommands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "Show the newest checkpoint of a store",
				ArgsUsage: "[LOCATION]",
				Flags: append(local(), &cli.StringFlag{
					Name:  "name",
					Usage: "Show this checkpoint instead of the newest",
				}),
				Action: checkpointInfo,
			},
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "List the checkpoints of a store, oldest first",
				ArgsUsage: "[LOCATION]",
				Flags:     local(),
				Action:    checkpointList,
			},
			{
				Name:   "save",
				Usage:  "Ask a running server to write a checkpoint now",
				Flags:  append(serverFlags(), outputFlags()...),
				Action: checkpointSave,
			},
		},
	}
}

func checkpointInfo(c *cli.Context) error {
	mgr, err := openStore(c, c.Args().First())
	if err != nil {
		return err
	}

	var info *snapshot.Info
	if name := c.String("name"); name != "" {
		_, info, err = mgr.LoadNamed(c.Context, name)
	} else {
		_, info, err = mgr.Load(c.Context)
	}
	if err != nil {
		return err
	}
	return Print(c, info)
}

func checkpointList(c *cli.Context) error {
	mgr, err := openStore(c, c.Args().First())
	if err != nil {
		return err
	}
	infos, err := mgr.List(c.Context)
	if err != nil {
		return err
	}

	log := Logger(c)
	for i, listed := range infos {
		_, info, err := mgr.LoadNamed(c.Context, listed.Name)
		if err != nil {
			log.Warn("checkpoint unreadable", "name", listed.Name, "error", err)
			continue
		}
		infos[i] = info
	}
	return Print(c, infos)
}

func checkpointSave(c *cli.Context) error {
	client, err := EnsureClient(c)
	if err != nil {
		return err
	}
	info, err := client.Checkpoint(c.Context)
	if err != nil {
		return err
	}
	return Print(c, info)
}
