package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/value"
)

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	Op    string
	Value string
	Key   string
	Index int
}

// mutateOps lists the --op values.
var mutateOps = []string{"set", "add", "remove", "put", "delete-key", "insert", "remove-at", "delete"}

// MutateResult reports the operation a mutation produced.
type MutateResult struct {
	Operation op.Operation `json:"operation"`
}

func (r MutateResult) Text(w io.Writer) {
	o := r.Operation
	target := o.EntityType + "/" + o.EntityID
	if o.Payload.Field != "" {
		target += "." + o.Payload.Field
	}
	fmt.Fprintf(w, "%s %s as %s at %s\n", o.Payload.Kind, target, o.Dot(), o.ID)
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate <entity-type> <entity-id> [field]",
		Short: "Apply a local change to an entity",
		Long: `Apply a local change to an entity and record it in the operation log.

Values are JSON: strings, integers, booleans, lists and objects.

Operations:
  set         replace a register field            --value
  add         add an element to a set field       --value
  remove      remove an element from a set field --value
  put         set a map entry                     --key --value
  delete-key  delete a map entry                  --key
  insert      insert into a sequence field        --index --value
  remove-at   remove from a sequence field        --index
  delete      delete the whole entity             (no field)

Example:
  driftsync mutate task t1 title --op set --value '"Write report"'
  driftsync mutate task t1 tags --op add --value '"urgent"'
  driftsync mutate task t1 --op delete`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			field := ""
			if len(args) == 3 {
				field = args[2]
			}
			return mutate(cmd.Context(), opts, args[0], args[1], field, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Op, "op", "set", fmt.Sprintf("operation %v", mutateOps))
	cmd.Flags().StringVar(&opts.Value, "value", "", "JSON value")
	cmd.Flags().StringVar(&opts.Key, "key", "", "map key")
	cmd.Flags().IntVar(&opts.Index, "index", 0, "sequence position")

	return cmd
}

func mutate(ctx context.Context, opts *MutateOptions, entityType, entityID, field string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	change, err := opts.change(field)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid mutation", err)
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

	o, err := r.entities.MutateLocal(ctx, entityType, entityID, field, change)
	if err != nil {
		return WrapExitError(ExitFailure, "mutation rejected", err)
	}
	return opts.formatter(cmd).Success(MutateResult{Operation: o})
}

func (o *MutateOptions) change(field string) (entity.Change, error) {
	if !slices.Contains(mutateOps, o.Op) {
		return entity.Change{}, fmt.Errorf("unknown --op %q: must be one of %v", o.Op, mutateOps)
	}
	needsValue := o.Op == "set" || o.Op == "add" || o.Op == "remove" || o.Op == "put" || o.Op == "insert"
	var v value.Value
	if needsValue {
		if o.Value == "" {
			return entity.Change{}, fmt.Errorf("--op %s needs --value", o.Op)
		}
		var err error
		if v, err = value.Decode([]byte(o.Value)); err != nil {
			return entity.Change{}, fmt.Errorf("--value: %w", err)
		}
	}
	if (o.Op == "put" || o.Op == "delete-key") && o.Key == "" {
		return entity.Change{}, fmt.Errorf("--op %s needs --key", o.Op)
	}
	if o.Op == "delete" {
		if field != "" {
			return entity.Change{}, fmt.Errorf("--op delete takes no field")
		}
	} else if field == "" {
		return entity.Change{}, fmt.Errorf("--op %s needs a field", o.Op)
	}

	switch o.Op {
	case "set":
		return entity.SetValue(v), nil
	case "add":
		return entity.AddElement(v), nil
	case "remove":
		return entity.RemoveElement(v), nil
	case "put":
		return entity.PutKey(o.Key, v), nil
	case "delete-key":
		return entity.DeleteKey(o.Key), nil
	case "insert":
		return entity.InsertAt(o.Index, v), nil
	case "remove-at":
		return entity.RemoveAt(o.Index), nil
	default:
		return entity.DeleteEntity(), nil
	}
}
