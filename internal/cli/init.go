package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/config"
	"github.com/roach88/driftsync/internal/store"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	ID       string
	Database string
}

// InitResult reports a newly initialized replica.
type InitResult struct {
	Replica  string `json:"replica"`
	Config   string `json:"config"`
	Database string `json:"database"`
}

func (r InitResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Initialized replica %s\n", r.Replica)
	fmt.Fprintf(w, "  config:   %s\n", r.Config)
	fmt.Fprintf(w, "  database: %s\n", r.Database)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a replica and its configuration",
		Long: `Create a configuration file and a database bound to a new replica id.

The replica id is permanent. When --id is not given a random one is
generated.

Example:
  driftsync init
  driftsync init --id laptop --db data/laptop.db -c laptop.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initReplica(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "replica id (generated when empty)")
	cmd.Flags().StringVar(&opts.Database, "db", "driftsync.db", "database path, relative to the config file")

	return cmd
}

func initReplica(ctx context.Context, opts *InitOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(opts.Config); err == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s already exists", opts.Config))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError, "failed to check config", err)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	cfg := config.Default()
	cfg.Replica.ID = id
	cfg.Storage.Path = opts.Database
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}

	dbPath := opts.Database
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(filepath.Dir(opts.Config), dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create database directory", err)
	}
	formatter.VerboseLog("Opening database %s", dbPath)
	db, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer db.Close()
	if err := db.InitReplica(ctx, clock.ReplicaID(id)); err != nil {
		return WrapExitError(ExitCommandError, "failed to bind replica id", err)
	}

	if err := config.Write(opts.Config, cfg); err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}

	return formatter.Success(InitResult{Replica: id, Config: opts.Config, Database: dbPath})
}
