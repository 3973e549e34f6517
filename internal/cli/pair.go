package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/peer"
)

// PeerView is the printable form of a peer record.
type PeerView struct {
	ID       clock.ReplicaID     `json:"id"`
	Addr     string              `json:"addr,omitempty"`
	Vector   clock.VersionVector `json:"vector"`
	PairedAt time.Time           `json:"paired_at"`
	LastSeen *time.Time          `json:"last_seen,omitempty"`
	LastSync *time.Time          `json:"last_sync,omitempty"`
}

func viewOf(r peer.Record) PeerView {
	v := PeerView{ID: r.ID, Addr: r.Addr, Vector: r.Vector, PairedAt: r.PairedAt}
	if !r.LastSeen.IsZero() {
		v.LastSeen = &r.LastSeen
	}
	if !r.LastSync.IsZero() {
		v.LastSync = &r.LastSync
	}
	return v
}

// PeerList is the result of pair list.
type PeerList []PeerView

func (l PeerList) Text(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No paired peers")
		return
	}
	for _, p := range l {
		addr := p.Addr
		if addr == "" {
			addr = "-"
		}
		synced := "never"
		if p.LastSync != nil {
			synced = p.LastSync.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\tlast sync %s\n", p.ID, addr, synced)
	}
}

// NewPairCommand creates the pair command and its subcommands.
func NewPairCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage paired peers",
		Long: `Manage the replicas this replica syncs with.

Paired peers are dialed by 'driftsync sync' and by the periodic sync of
'driftsync serve'. Garbage collection waits for every paired peer.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "add <replica-id> [sync-addr]",
		Short:         "Pair with a replica",
		Example:       "  driftsync pair add desk ws://192.168.1.20:7420/sync",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ""
			if len(args) == 2 {
				addr = args[1]
			}
			return withBook(cmd, rootOpts, func(ctx context.Context, r *replica) error {
				if clock.ReplicaID(args[0]) == r.entities.Replica() {
					return NewExitError(ExitCommandError, "cannot pair a replica with itself")
				}
				if err := r.db.Pair(ctx, clock.ReplicaID(args[0]), addr, time.Now()); err != nil {
					return WrapExitError(ExitFailure, "failed to pair", err)
				}
				rec, _, err := r.db.Get(ctx, clock.ReplicaID(args[0]))
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read peer", err)
				}
				return rootOpts.formatter(cmd).Success(PeerList{viewOf(rec)})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List paired replicas",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBook(cmd, rootOpts, func(ctx context.Context, r *replica) error {
				recs, err := r.db.List(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list peers", err)
				}
				out := make(PeerList, 0, len(recs))
				for _, rec := range recs {
					out = append(out, viewOf(rec))
				}
				return rootOpts.formatter(cmd).Success(out)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "remove <replica-id>",
		Short:         "Forget a paired replica",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBook(cmd, rootOpts, func(ctx context.Context, r *replica) error {
				if err := r.db.Unpair(ctx, clock.ReplicaID(args[0])); err != nil {
					return WrapExitError(ExitFailure, "failed to unpair", err)
				}
				return rootOpts.formatter(cmd).Success(fmt.Sprintf("Unpaired %s", args[0]))
			})
		},
	})

	return cmd
}

func withBook(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *replica) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, opts.Verbose, cmd.ErrOrStderr())
	defer func() { _ = logger.Sync() }()

	r, err := openReplica(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(ctx, r)
}
