package command

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/wayback-rpki/internal/cli/output"
	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
)

// checkpointFlags locate a checkpoint store.
func checkpointFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "checkpoint",
			Aliases: []string{"c"},
			Usage:   "Checkpoint location: directory, file:// or azblob://container/prefix",
			EnvVars: []string{"WAYBACK_CHECKPOINT"},
		},
		&cli.StringFlag{
			Name:    "passphrase",
			Usage:   "Checkpoint encryption passphrase",
			EnvVars: []string{"WAYBACK_CHECKPOINT_PASSPHRASE"},
		},
	}
}

// openStore opens the checkpoint store at location, or at --checkpoint
// when location is empty.
func openStore(c *cli.Context, location string) (*snapshot.Manager, error) {
	flags, err := ParseCommonFlags(c)
	if err != nil {
		return nil, err
	}
	if location == "" {
		location = flags.Checkpoint
	}
	if location == "" {
		return nil, errors.New("--checkpoint is required")
	}
	cfg := snapshot.Config{}
	if flags.Passphrase != "" {
		cfg.Passphrase = []byte(flags.Passphrase)
	}
	return snapshot.Open(location, cfg, snapshot.WithLogger(Logger(c).With("component", "checkpoint")))
}

// loadIndex restores the newest checkpoint of mgr into a fresh index.
func loadIndex(ctx context.Context, c *cli.Context, mgr *snapshot.Manager) (*memory.Index, *snapshot.Info, error) {
	spin := output.NewSpinner(errWriter(c), "loading checkpoint from "+mgr.Location())
	spin.Start()

	ck, info, err := mgr.Load(ctx)
	if err != nil {
		spin.Fail(mgr.Location())
		return nil, nil, err
	}
	idx := memory.New()
	if err := ck.Restore(idx); err != nil {
		spin.Fail(info.Name)
		return nil, nil, fmt.Errorf("restore %s: %w", info.Name, err)
	}
	spin.Success(fmt.Sprintf("%s (%d entries)", info.Name, info.Entries))
	return idx, info, nil
}

// querier answers searches either from a local index or a server.
type querier interface {
	Search(ctx context.Context, req *service.LookupRequest) (*service.LookupResult, error)
	Validate(ctx context.Context, prefix netip.Prefix, asn uint32, date domain.Date) (*service.ValidateResult, error)
}

type localQuerier struct {
	svc *service.QueryService
}

func (q localQuerier) Search(_ context.Context, req *service.LookupRequest) (*service.LookupResult, error) {
	return q.svc.Lookup(req)
}

func (q localQuerier) Validate(_ context.Context, prefix netip.Prefix, asn uint32, date domain.Date) (*service.ValidateResult, error) {
	return q.svc.Validate(prefix, asn, date)
}

// newQuerier picks the server when --server is set, else the checkpoint.
func newQuerier(ctx context.Context, c *cli.Context) (querier, error) {
	flags, err := ParseCommonFlags(c)
	if err != nil {
		return nil, err
	}
	switch {
	case flags.Server != "" && flags.Checkpoint != "":
		return nil, errors.New("--server and --checkpoint are mutually exclusive")
	case flags.Server != "":
		client, err := EnsureClient(c)
		if err != nil {
			return nil, err
		}
		return client, nil
	case flags.Checkpoint != "":
		mgr, err := openStore(c, "")
		if err != nil {
			return nil, err
		}
		idx, _, err := loadIndex(ctx, c, mgr)
		if err != nil {
			return nil, err
		}
		return localQuerier{svc: service.NewQueryService(idx)}, nil
	}
	return nil, errors.New("one of --server or --checkpoint is required")
}
