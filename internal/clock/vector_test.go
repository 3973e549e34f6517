package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionVector_AdvanceNeverDecreases(t *testing.T) {
	v := VersionVector{}
	v.Advance("A", 5)
	v.Advance("A", 3)
	assert.Equal(t, uint64(5), v.Get("A"))

	v.Advance("A", 9)
	assert.Equal(t, uint64(9), v.Get("A"))
	assert.Equal(t, uint64(0), v.Get("missing"))
}

func TestVersionVector_Dominates(t *testing.T) {
	tests := []struct {
		name string
		a, b VersionVector
		want bool
	}{
		{"empty dominates empty", VersionVector{}, VersionVector{}, true},
		{"nil dominates empty", nil, VersionVector{}, true},
		{"pointwise greater", VersionVector{"A": 3, "B": 2}, VersionVector{"A": 1, "B": 2}, true},
		{"missing entry treated as zero", VersionVector{"A": 3}, VersionVector{"A": 1, "B": 1}, false},
		{"zero entry ignored", VersionVector{"A": 3}, VersionVector{"B": 0}, true},
		{"concurrent", VersionVector{"A": 2}, VersionVector{"B": 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Dominates(tt.b))
		})
	}
}

func TestVersionVector_MergeIsPointwiseMax(t *testing.T) {
	a := VersionVector{"A": 3, "B": 1}
	a.Merge(VersionVector{"B": 4, "C": 2})
	assert.Equal(t, VersionVector{"A": 3, "B": 4, "C": 2}, a)
}

func TestVersionVector_Covers(t *testing.T) {
	v := VersionVector{"A": 3}
	assert.True(t, v.Covers(Dot{"A", 3}))
	assert.False(t, v.Covers(Dot{"A", 4}))
	assert.False(t, v.Covers(Dot{"B", 1}))
}

func TestVersionVector_CloneIsIndependent(t *testing.T) {
	a := VersionVector{"A": 1}
	b := a.Clone()
	b.Advance("A", 5)
	assert.Equal(t, uint64(1), a.Get("A"))

	var nilVec VersionVector
	assert.NotNil(t, nilVec.Clone())
}

func TestVersionVector_EqualAndReplicas(t *testing.T) {
	a := VersionVector{"B": 2, "A": 1, "C": 0}
	assert.True(t, a.Equal(VersionVector{"A": 1, "B": 2}))
	assert.Equal(t, []ReplicaID{"A", "B"}, a.Replicas())
	assert.Equal(t, uint64(3), a.Sum())
}
