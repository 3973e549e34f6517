package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/config"
	"github.com/roach88/driftsync/internal/metrics"
	"github.com/roach88/driftsync/internal/peer"
	"github.com/roach88/driftsync/internal/session"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Addr    string
	Timeout time.Duration
}

// SyncResult reports one completed session.
type SyncResult struct {
	Session   string          `json:"session"`
	Peer      clock.ReplicaID `json:"peer"`
	Sent      uint64          `json:"sent"`
	Received  uint64          `json:"received"`
	Applied   uint64          `json:"applied"`
	Dropped   uint64          `json:"dropped"`
	Converged bool            `json:"converged"`
	Duration  string          `json:"duration"`
}

func (r SyncResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Synced with %s in %s\n", r.Peer, r.Duration)
	fmt.Fprintf(w, "  sent %d, received %d (applied %d, dropped %d)\n", r.Sent, r.Received, r.Applied, r.Dropped)
	if r.Converged {
		fmt.Fprintln(w, "  replicas converged")
	} else {
		fmt.Fprintln(w, "  replicas differ; new changes arrived during the session")
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <replica-id>",
		Short: "Sync once with a peer",
		Long: `Connect to a peer running 'driftsync serve' and exchange every
operation either side is missing.

The address defaults to the one recorded when pairing.

Example:
  driftsync sync desk
  driftsync sync desk --addr tcp://192.168.1.20:7421`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return syncOnce(cmd.Context(), opts, clock.ReplicaID(args[0]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "sync address (ws://host:port/sync or tcp://host:port)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "give up after this long")

	return cmd
}

func syncOnce(ctx context.Context, opts *SyncOptions, id clock.ReplicaID, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
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

	mgr, err := newManager(cfg, r, logger, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create peer manager", err)
	}
	defer mgr.Close()

	var res session.Result
	if opts.Addr != "" {
		res, err = mgr.SyncAddr(ctx, id, opts.Addr)
	} else {
		res, err = mgr.SyncNow(ctx, id)
	}
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("sync with %s failed", id), err)
	}

	return opts.formatter(cmd).Success(SyncResult{
		Session:   res.ID,
		Peer:      res.Peer,
		Sent:      res.Sent,
		Received:  res.Received,
		Applied:   res.Applied,
		Dropped:   res.Dropped,
		Converged: res.Converged,
		Duration:  res.Duration.Round(time.Millisecond).String(),
	})
}

func newManager(cfg *config.Config, r *replica, logger *zap.Logger, m *metrics.Metrics) (*peer.Manager, error) {
	return peer.NewManager(peer.ManagerOptions{
		Store:          r.entities,
		Book:           r.db,
		RequirePairing: cfg.Peers.RequirePairing,
		AutoPair:       cfg.Peers.AutoPair,
		IdleTimeout:    cfg.Sync.IdleTimeout,
		AckEvery:       cfg.Sync.AckEvery,
		SendRate:       cfg.Sync.SendRate,
		SendBurst:      cfg.Sync.SendBurst,
		DialTimeout:    cfg.Sync.DialTimeout,
		Logger:         logger,
		Metrics:        m,
	})
}
