package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		s, err := LoadScenario(p)
		require.NoError(t, err)

		t.Run(s.Name, func(t *testing.T) {
			res, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, res.Pass, "errors: %v", res.Errors)
			assert.Len(t, res.Trace, len(s.Steps))
		})
	}
}

func TestRun_Golden(t *testing.T) {
	for _, name := range []string{"concurrent_title", "shuffled_delivery"} {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			res, err := Run(context.Background(), s)
			require.NoError(t, err)
			require.True(t, res.Pass, "errors: %v", res.Errors)
			require.NoError(t, AssertGolden(t, name, res))
		})
	}
}

func TestRun_DeleteTrace(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "delete_wins.yaml"))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, res.Pass, "errors: %v", res.Errors)
	assert.Equal(t, []string{
		"mutate A task/t1.title register.set -> A:1",
		"sync A<->B sent 1 received 0",
		"advance B 10ms",
		"mutate B task/t1.title register.set -> B:1",
		"mutate A task/t1 entity.delete -> A:2",
		"mutate A task/t1.title set rejected",
		"sync B<->A sent 1 received 1",
	}, res.Trace)
}

func TestRun_FailedAssertions(t *testing.T) {
	s, err := ParseScenario([]byte(`name: failing
description: "Assertions that do not hold are reported, not returned"
replicas: [A, B]
steps:
  - mutate: {replica: A, type: task, entity: t1, field: title, op: set, value: "x"}
  - mutate: {replica: A, type: task, entity: t1, field: done, op: set, value: false, reject: true}
assertions:
  - type: converged
  - type: field
    replica: A
    entity: t1
    field: title
    expect: "y"
  - type: field
    replica: A
    entity: t1
    field: title
    absent: true
  - type: deleted
    replica: A
    entity: t1
  - type: entity_count
    replica: B
    count: 1
  - type: vector
    replica: A
    vector: {A: 2}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 6)
	assert.Contains(t, res.Errors[0], "expected rejection")
	assert.Contains(t, res.Errors[1], "converged")
	assert.Contains(t, res.Errors[2], `t1.title = "x", want "y"`)
	assert.Contains(t, res.Errors[3], "want absent")
	assert.Contains(t, res.Errors[4], "is live")
	assert.Contains(t, res.Errors[5], "0 entities, want 1")
}

func TestRun_StepError(t *testing.T) {
	s, err := ParseScenario([]byte(`name: bad_field
description: "A mutation the store refuses without reject set aborts the run"
replicas: [A]
steps:
  - mutate: {replica: A, type: task, entity: t1, field: colour, op: set, value: "x"}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0")
	assert.Empty(t, res.Trace)
}
