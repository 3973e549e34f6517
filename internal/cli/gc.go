package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/driftsync/internal/gc"
)

// GCOptions holds flags for the gc command.
type GCOptions struct {
	*RootOptions
	Retention time.Duration
}

// GCResult reports one sweep.
type GCResult struct {
	Examined  int            `json:"examined"`
	Collected []string       `json:"collected"`
	Blocked   map[string]int `json:"blocked,omitempty"`
	Failed    int            `json:"failed"`
}

func (r GCResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Examined %d tombstone(s), collected %d\n", r.Examined, len(r.Collected))
	for _, id := range r.Collected {
		fmt.Fprintf(w, "  collected %s\n", id)
	}
	for _, reason := range []string{gc.ReasonRetention, gc.ReasonPeerStale, gc.ReasonPeerBehind} {
		if n := r.Blocked[reason]; n > 0 {
			fmt.Fprintf(w, "  kept %d: %s\n", n, reason)
		}
	}
	if r.Failed > 0 {
		fmt.Fprintf(w, "  failed %d\n", r.Failed)
	}
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GCOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Collect deleted entities every peer has seen",
		Long: `Run one garbage collection sweep.

A deleted entity is removed for good only after the retention window has
passed and every paired peer has been seen recently and has reported a
version vector covering the entity's whole history.

Example:
  driftsync gc
  driftsync gc --retention 24h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Retention, "retention", 0, "override the configured retention window")

	return cmd
}

func runGC(ctx context.Context, opts *GCOptions, cmd *cobra.Command) error {
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

	retention := cfg.GC.Retention
	if opts.Retention > 0 {
		retention = opts.Retention
	}
	collector, err := gc.New(gc.Options{
		Store:     r.entities,
		Peers:     r.db,
		Retention: retention,
		Logger:    logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create collector", err)
	}

	report, sweepErr := collector.Sweep(ctx)
	result := GCResult{
		Examined:  report.Examined,
		Collected: report.Collected,
		Blocked:   report.Blocked,
		Failed:    report.Failed,
	}
	if result.Collected == nil {
		result.Collected = []string{}
	}
	if err := opts.formatter(cmd).Success(result); err != nil {
		return err
	}
	if sweepErr != nil {
		return WrapExitError(ExitFailure, "sweep incomplete", sweepErr)
	}
	return nil
}
