package op

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/value"
)

func validOp() Operation {
	return Operation{
		ID:         clock.Timestamp{Physical: 100, Logical: 0, Replica: "A"},
		Replica:    "A",
		Counter:    1,
		EntityID:   "task-1",
		EntityType: "task",
		Payload:    Payload{Kind: KindRegisterSet, Field: "title", Value: value.String("Draft")},
	}
}

func TestOperation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Operation)
		wantErr bool
	}{
		{"valid", func(*Operation) {}, false},
		{"empty replica", func(o *Operation) { o.Replica = ""; o.ID.Replica = "" }, true},
		{"id replica mismatch", func(o *Operation) { o.ID.Replica = "B" }, true},
		{"zero counter", func(o *Operation) { o.Counter = 0 }, true},
		{"zero physical", func(o *Operation) { o.ID.Physical = 0 }, true},
		{"empty entity", func(o *Operation) { o.EntityID = "" }, true},
		{"empty type", func(o *Operation) { o.EntityType = "" }, true},
		{"unknown kind", func(o *Operation) { o.Payload.Kind = "counter.inc" }, true},
		{"missing value", func(o *Operation) { o.Payload.Value = nil }, true},
		{"missing field", func(o *Operation) { o.Payload.Field = "" }, true},
		{"map set without key", func(o *Operation) { o.Payload.Kind = KindMapSet }, true},
		{"map delete", func(o *Operation) {
			o.Payload = Payload{Kind: KindMapDelete, Field: "meta", Key: "k"}
		}, false},
		{"seq remove without target", func(o *Operation) {
			o.Payload = Payload{Kind: KindSeqRemove, Field: "body"}
		}, true},
		{"entity delete", func(o *Operation) { o.Payload = Payload{Kind: KindEntityDelete} }, false},
		{"entity delete with field", func(o *Operation) {
			o.Payload = Payload{Kind: KindEntityDelete, Field: "title"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOp()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOperation_JSONPreservesPayload(t *testing.T) {
	left := clock.Timestamp{Physical: 90, Logical: 2, Replica: "B"}
	o := validOp()
	o.Payload = Payload{
		Kind:  KindSeqInsert,
		Field: "body",
		Value: value.Object{"text": value.String("hi"), "n": value.Int(2)},
		Left:  &left,
	}
	o.Deps = []clock.Timestamp{left}

	data, err := json.Marshal(o)
	require.NoError(t, err)

	var got Operation
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, o, got)
}

func TestPayload_RejectsFloatValue(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"kind":"register.set","field":"f","value":1.5}`), &p)
	assert.Error(t, err)
}

func TestOperation_Dot(t *testing.T) {
	o := validOp()
	assert.Equal(t, clock.Dot{Replica: "A", Counter: 1}, o.Dot())
	assert.Equal(t, "A:1 task/task-1 register.set", o.String())
}
