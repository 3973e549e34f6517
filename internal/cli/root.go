// Package cli implements the driftsync command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/driftsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the driftsync root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(nil)
}

// newRootCommand lets tests learn the address serve listens on.
func newRootCommand(serveReady chan<- string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "driftsync",
		Short: "driftsync - offline-first replicated state",
		Long: `driftsync keeps entity state replicated across devices that are often
offline. Every device edits locally and exchanges operations with its peers
whenever they can reach each other; all replicas converge.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", config.DefaultFile, "path to the configuration file")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(newServeCommand(opts, serveReady))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewMutateCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewGCCommand(opts))
	cmd.AddCommand(NewPairCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}
