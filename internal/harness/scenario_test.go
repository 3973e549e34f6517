package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/op"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "concurrent_title.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "concurrent_title", s.Name)
	assert.Equal(t, []string{"A", "B"}, s.Replicas)
	require.Len(t, s.Steps, 3)
	require.NotNil(t, s.Steps[0].Mutate)
	assert.Equal(t, "from A", s.Steps[0].Mutate.Value)
	assert.Equal(t, []string{"A", "B"}, s.Steps[2].Sync)
	require.Len(t, s.Assertions, 3)
	assert.Equal(t, map[string]uint64{"A": 1, "B": 1}, s.Assertions[2].Vector)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_AllTestdata(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		t.Run(filepath.Base(p), func(t *testing.T) {
			data, err := os.ReadFile(p)
			require.NoError(t, err)
			_, err = ParseScenario(data)
			require.NoError(t, err)
		})
	}
}

const validHead = `name: x
description: y
replicas: [A, B]
`

func TestParseScenario_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", validHead + "steps:\n  - sync: [A, B]\nassertion: []\n", "failed to parse YAML"},
		{"no name", "description: y\nreplicas: [A]\nsteps:\n  - advance: {replica: A, ms: 1}\n", "name is required"},
		{"no description", "name: x\nreplicas: [A]\nsteps:\n  - advance: {replica: A, ms: 1}\n", "description is required"},
		{"no replicas", "name: x\ndescription: y\nsteps:\n  - advance: {replica: A, ms: 1}\n", "replicas list is required"},
		{"duplicate replica", "name: x\ndescription: y\nreplicas: [A, A]\nsteps:\n  - advance: {replica: A, ms: 1}\n", "duplicate id"},
		{"no steps", validHead, "steps list is required"},
		{"two actions", validHead + "steps:\n  - sync: [A, B]\n    advance: {replica: A, ms: 1}\n", "exactly one of"},
		{"empty step", validHead + "steps:\n  - {}\n", "exactly one of"},
		{"sync self", validHead + "steps:\n  - sync: [A, A]\n", "two distinct replicas"},
		{"sync unknown", validHead + "steps:\n  - sync: [A, C]\n", `unknown replica "C"`},
		{"mutate unknown op", validHead + "steps:\n  - mutate: {replica: A, type: task, entity: t1, field: title, op: upsert}\n", "unknown op"},
		{"mutate no value", validHead + "steps:\n  - mutate: {replica: A, type: task, entity: t1, field: title, op: set}\n", "needs a value"},
		{"mutate float", validHead + "steps:\n  - mutate: {replica: A, type: task, entity: t1, field: title, op: set, value: 1.5}\n", "floats are not values"},
		{"mutate put no key", validHead + "steps:\n  - mutate: {replica: A, type: conversation, entity: c1, field: meta, op: put, value: 1}\n", "needs a key"},
		{"mutate delete with field", validHead + "steps:\n  - mutate: {replica: A, type: task, entity: t1, field: title, op: delete}\n", "field must be set"},
		{"mutate set without field", validHead + "steps:\n  - mutate: {replica: A, type: task, entity: t1, op: set, value: 1}\n", "field must be set"},
		{"mutate no entity", validHead + "steps:\n  - mutate: {replica: A, type: task, field: title, op: set, value: 1}\n", "type and entity are required"},
		{"deliver to self", validHead + "steps:\n  - deliver: {from: [A], to: A}\n", "delivers to itself"},
		{"deliver bad order", validHead + "steps:\n  - deliver: {from: [A], to: B, order: sideways}\n", "unknown order"},
		{"deliver shuffle no seed", validHead + "steps:\n  - deliver: {from: [A], to: B, order: shuffle}\n", "non-zero seed"},
		{"deliver no from", validHead + "steps:\n  - deliver: {to: B}\n", "from is required"},
		{"advance zero", validHead + "steps:\n  - advance: {replica: A, ms: 0}\n", "ms must be positive"},
		{"assertion unknown type", validHead + "steps:\n  - sync: [A, B]\nassertions:\n  - type: eventually\n    replica: A\n", "unknown assertion type"},
		{"assertion field both", validHead + "steps:\n  - sync: [A, B]\nassertions:\n  - {type: field, replica: A, entity: t1, field: title, expect: x, absent: true}\n", "exactly one of expect, absent"},
		{"assertion field neither", validHead + "steps:\n  - sync: [A, B]\nassertions:\n  - {type: field, replica: A, entity: t1, field: title}\n", "exactly one of expect, absent"},
		{"assertion count missing", validHead + "steps:\n  - sync: [A, B]\nassertions:\n  - {type: entity_count, replica: A}\n", "count is required"},
		{"assertion unknown replica", validHead + "steps:\n  - sync: [A, B]\nassertions:\n  - {type: deleted, replica: Q, entity: t1}\n", `unknown replica "Q"`},
		{"converged unknown replica", validHead + "steps:\n  - sync: [A, B]\nassertions:\n  - {type: converged, replicas: [A, Q]}\n", `unknown replica "Q"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMutateStep_Change(t *testing.T) {
	tests := []struct {
		step MutateStep
		kind op.Kind
	}{
		{MutateStep{Field: "title", Op: "set", Value: "x"}, op.KindRegisterSet},
		{MutateStep{Field: "tags", Op: "add", Value: "x"}, op.KindSetAdd},
		{MutateStep{Field: "tags", Op: "remove", Value: "x"}, op.KindSetRemove},
		{MutateStep{Field: "meta", Op: "put", Key: "k", Value: 1}, op.KindMapSet},
		{MutateStep{Field: "meta", Op: "delete-key", Key: "k"}, op.KindMapDelete},
		{MutateStep{Field: "notes", Op: "insert", Value: "x"}, op.KindSeqInsert},
		{MutateStep{Field: "notes", Op: "remove-at", Index: 2}, op.KindSeqRemove},
		{MutateStep{Op: "delete"}, op.KindEntityDelete},
	}

	for _, tt := range tests {
		t.Run(tt.step.Op, func(t *testing.T) {
			ch, err := tt.step.change()
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ch.Kind())
		})
	}
}
