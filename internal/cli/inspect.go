package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/op"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	History bool
}

// ReplicaSummary describes a replica as a whole.
type ReplicaSummary struct {
	Replica    clock.ReplicaID     `json:"replica"`
	Vector     clock.VersionVector `json:"vector"`
	Digest     string              `json:"digest"`
	Entities   int                 `json:"entities"`
	Operations int                 `json:"operations"`
	Pending    int                 `json:"pending"`
	Tombstones int                 `json:"tombstones"`
	Peers      int                 `json:"peers"`
}

func (s ReplicaSummary) Text(w io.Writer) {
	fmt.Fprintf(w, "Replica %s\n", s.Replica)
	fmt.Fprintf(w, "  digest:     %s\n", s.Digest)
	fmt.Fprintf(w, "  entities:   %d\n", s.Entities)
	fmt.Fprintf(w, "  operations: %d\n", s.Operations)
	fmt.Fprintf(w, "  pending:    %d\n", s.Pending)
	fmt.Fprintf(w, "  tombstones: %d\n", s.Tombstones)
	fmt.Fprintf(w, "  peers:      %d\n", s.Peers)
	fmt.Fprintln(w, "  vector:")
	for _, r := range s.Vector.Replicas() {
		fmt.Fprintf(w, "    %s: %d\n", r, s.Vector[r])
	}
}

// EntityReport describes one entity.
type EntityReport struct {
	Entity  entity.Snapshot `json:"entity"`
	History []op.Operation  `json:"history,omitempty"`
}

func (e EntityReport) Text(w io.Writer) {
	fmt.Fprintf(w, "%s %s", e.Entity.Type, e.Entity.ID)
	if e.Entity.Deleted {
		fmt.Fprint(w, " (deleted)")
	}
	fmt.Fprintln(w)
	names := make([]string, 0, len(e.Entity.Fields))
	for name := range e.Entity.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %v\n", name, e.Entity.Fields[name])
	}
	if len(e.History) > 0 {
		fmt.Fprintln(w, "History:")
		for _, o := range e.History {
			fmt.Fprintf(w, "  %s %s %s %s\n", o.ID, o.Dot(), o.Payload.Kind, o.Payload.Field)
		}
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [entity-id]",
		Short: "Show replica or entity state",
		Long: `Show the replica's version vector, state digest and counts, or the
materialized state of one entity.

Two replicas that have exchanged all operations report the same digest.

Example:
  driftsync inspect
  driftsync inspect t1 --history --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return inspect(cmd.Context(), opts, id, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.History, "history", false, "include the entity's operations")

	return cmd
}

func inspect(ctx context.Context, opts *InspectOptions, entityID string, cmd *cobra.Command) error {
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
	formatter := opts.formatter(cmd)

	if entityID != "" {
		snap, ok := r.entities.Get(entityID)
		if !ok {
			if r.entities.IsCollected(entityID) {
				return NewExitError(ExitFailure, fmt.Sprintf("entity %s was deleted and collected", entityID))
			}
			return NewExitError(ExitFailure, fmt.Sprintf("entity %s not found", entityID))
		}
		report := EntityReport{Entity: snap}
		if opts.History {
			for _, rec := range r.entities.History(entityID) {
				report.History = append(report.History, rec.Op)
			}
		}
		return formatter.Success(report)
	}

	digest, err := r.entities.Digest()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to compute digest", err)
	}
	peers, err := r.db.List(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list peers", err)
	}
	return formatter.Success(ReplicaSummary{
		Replica:    r.entities.Replica(),
		Vector:     r.entities.Vector(),
		Digest:     digest,
		Entities:   len(r.entities.Entities()),
		Operations: r.entities.LogLen(),
		Pending:    r.entities.Pending(),
		Tombstones: len(r.entities.Tombstones()),
		Peers:      len(peers),
	})
}
