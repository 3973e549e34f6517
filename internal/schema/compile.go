package schema

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/driftsync/internal/crdt"
)

//go:embed constraints.cue
var constraintsCUE string

//go:embed default.cue
var defaultCUE string

// CompileError represents a schema error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the built-in entity types.
func Default() (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(constraintsCUE+"\n"+defaultCUE, cue.Filename("default.cue"))
	return Compile(v)
}

// CompileString compiles CUE source against the schema constraints.
func CompileString(src string) (*Registry, error) {
	ctx := cuecontext.New()
	base := ctx.CompileString(constraintsCUE, cue.Filename("constraints.cue"))
	user := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(base.Unify(user))
}

// LoadDir compiles every CUE file in dir as one package, unified with the
// schema constraints.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema path %s is not a directory", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	user := ctx.BuildInstance(inst)
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	base := ctx.CompileString(constraintsCUE, cue.Filename("constraints.cue"))
	return Compile(base.Unify(user))
}

// Compile extracts entity types from a CUE value shaped like constraints.cue.
func Compile(v cue.Value) (*Registry, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &CompileError{Field: "entity", Message: "no entity types defined", Pos: v.Pos()}
	}

	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var types []EntityType
	for iter.Next() {
		et, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		types = append(types, et)
	}
	if len(types) == 0 {
		return nil, &CompileError{Field: "entity", Message: "no entity types defined", Pos: entities.Pos()}
	}
	return NewRegistry(types...)
}

func compileEntity(name string, v cue.Value) (EntityType, error) {
	et := EntityType{Name: name, Fields: make(map[string]crdt.Type)}

	if p := v.LookupPath(cue.ParsePath("purpose")); p.Exists() {
		purpose, err := p.String()
		if err != nil {
			return et, formatCUEError(err)
		}
		et.Purpose = purpose
	}

	fields := v.LookupPath(cue.ParsePath("fields"))
	iter, err := fields.Fields()
	if err != nil {
		return et, formatCUEError(err)
	}
	for iter.Next() {
		kind, err := iter.Value().String()
		if err != nil {
			return et, formatCUEError(err)
		}
		et.Fields[iter.Label()] = crdt.Type(kind)
	}

	if len(et.Fields) == 0 {
		return et, &CompileError{
			Field:   fmt.Sprintf("entity.%s.fields", name),
			Message: "at least one field is required",
			Pos:     v.Pos(),
		}
	}
	return et, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
