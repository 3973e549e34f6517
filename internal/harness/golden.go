package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/driftsync/internal/value"
)

// Golden renders a scenario result as canonical JSON: the step trace and
// each replica's vector and visible entities.
func Golden(name string, r *Result) ([]byte, error) {
	trace := make(value.List, len(r.Trace))
	for i, line := range r.Trace {
		trace[i] = value.String(line)
	}
	return value.Canonical(value.Object{
		"scenario": value.String(name),
		"trace":    trace,
		"replicas": r.Cluster.Snapshot(),
	})
}

// AssertGolden compares r against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, r *Result) error {
	t.Helper()

	data, err := Golden(name, r)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
