// Package schema declares which entity types exist and which replicated
// primitive backs each of their fields. Definitions are written in CUE and
// compiled into a Registry at startup.
package schema

import (
	"fmt"
	"slices"

	"github.com/roach88/driftsync/internal/crdt"
)

// EntityType describes one kind of entity.
type EntityType struct {
	Name    string
	Purpose string
	Fields  map[string]crdt.Type
}

// FieldNames returns the field names sorted.
func (e EntityType) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for n := range e.Fields {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Registry maps entity type names to their definitions. It is read-only
// after construction and safe for concurrent use.
type Registry struct {
	types map[string]EntityType
}

// NewRegistry builds a registry from explicit definitions.
func NewRegistry(types ...EntityType) (*Registry, error) {
	r := &Registry{types: make(map[string]EntityType, len(types))}
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("entity type with empty name")
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("entity type %q defined twice", t.Name)
		}
		for f, k := range t.Fields {
			if !k.Valid() {
				return nil, fmt.Errorf("entity type %q field %q: unknown crdt type %q", t.Name, f, k)
			}
		}
		r.types[t.Name] = t
	}
	return r, nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (EntityType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// FieldType returns the primitive type of entityType.field.
func (r *Registry) FieldType(entityType, field string) (crdt.Type, bool) {
	t, ok := r.types[entityType]
	if !ok {
		return "", false
	}
	k, ok := t.Fields[field]
	return k, ok
}

// Names returns all entity type names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
