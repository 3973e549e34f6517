package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/value"
)

// Scenario is a scripted run over a small cluster.
type Scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Replicas    []string `yaml:"replicas"`
	// Start is the initial wall clock reading; DefaultStart when zero.
	Start      int64       `yaml:"start,omitempty"`
	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	Mutate  *MutateStep  `yaml:"mutate,omitempty"`
	Sync    []string     `yaml:"sync,omitempty"`
	Deliver *DeliverStep `yaml:"deliver,omitempty"`
	Advance *AdvanceStep `yaml:"advance,omitempty"`
}

// MutateStep is a local change. Op uses the same names as the mutate
// command: set, add, remove, put, delete-key, insert, remove-at, delete.
type MutateStep struct {
	Replica string `yaml:"replica"`
	Type    string `yaml:"type"`
	Entity  string `yaml:"entity"`
	Field   string `yaml:"field,omitempty"`
	Op      string `yaml:"op"`
	Value   any    `yaml:"value,omitempty"`
	Key     string `yaml:"key,omitempty"`
	Index   int    `yaml:"index,omitempty"`
	// Reject expects the store to refuse the change.
	Reject bool `yaml:"reject,omitempty"`
}

// DeliverStep copies raw operations without a session.
type DeliverStep struct {
	From []string `yaml:"from"`
	To   string   `yaml:"to"`
	// Order is forward (default), reverse or shuffle.
	Order     string `yaml:"order,omitempty"`
	Seed      uint64 `yaml:"seed,omitempty"`
	Duplicate bool   `yaml:"duplicate,omitempty"`
}

// AdvanceStep moves one replica's wall clock forward.
type AdvanceStep struct {
	Replica string `yaml:"replica"`
	MS      int64  `yaml:"ms"`
}

// Assertion checks final state.
type Assertion struct {
	Type     string   `yaml:"type"`
	Replica  string   `yaml:"replica,omitempty"`
	Replicas []string `yaml:"replicas,omitempty"`
	Entity   string   `yaml:"entity,omitempty"`
	Field    string   `yaml:"field,omitempty"`
	Expect   any      `yaml:"expect,omitempty"`
	// Absent expects the field to have no visible value.
	Absent bool              `yaml:"absent,omitempty"`
	Vector map[string]uint64 `yaml:"vector,omitempty"`
	Count  *int              `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertConverged   = "converged"
	AssertField       = "field"
	AssertDeleted     = "deleted"
	AssertVector      = "vector"
	AssertEntityCount = "entity_count"
)

var (
	mutateOps     = []string{"set", "add", "remove", "put", "delete-key", "insert", "remove-at", "delete"}
	deliverOrders = []string{"", "forward", "reverse", "shuffle"}
)

// LoadScenario reads and validates a scenario file. Unknown keys are
// errors so typos do not silently skip steps.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks structure and replica references.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	for i, r := range s.Replicas {
		if r == "" {
			return fmt.Errorf("replicas[%d]: empty id", i)
		}
		if slices.Contains(s.Replicas[:i], r) {
			return fmt.Errorf("replicas[%d]: duplicate id %q", i, r)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := s.validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := s.validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Scenario) known(id string) error {
	if !slices.Contains(s.Replicas, id) {
		return fmt.Errorf("unknown replica %q", id)
	}
	return nil
}

func (s *Scenario) validateStep(step Step) error {
	set := 0
	if step.Mutate != nil {
		set++
	}
	if step.Sync != nil {
		set++
	}
	if step.Deliver != nil {
		set++
	}
	if step.Advance != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of mutate, sync, deliver, advance is required")
	}

	switch {
	case step.Mutate != nil:
		m := step.Mutate
		if err := s.known(m.Replica); err != nil {
			return err
		}
		if m.Type == "" || m.Entity == "" {
			return fmt.Errorf("mutate: type and entity are required")
		}
		if _, err := m.change(); err != nil {
			return fmt.Errorf("mutate: %w", err)
		}
	case step.Sync != nil:
		if len(step.Sync) != 2 || step.Sync[0] == step.Sync[1] {
			return fmt.Errorf("sync: needs two distinct replicas")
		}
		for _, id := range step.Sync {
			if err := s.known(id); err != nil {
				return err
			}
		}
	case step.Deliver != nil:
		d := step.Deliver
		if err := s.known(d.To); err != nil {
			return err
		}
		if len(d.From) == 0 {
			return fmt.Errorf("deliver: from is required")
		}
		for _, id := range d.From {
			if err := s.known(id); err != nil {
				return err
			}
			if id == d.To {
				return fmt.Errorf("deliver: %q delivers to itself", id)
			}
		}
		if !slices.Contains(deliverOrders, d.Order) {
			return fmt.Errorf("deliver: unknown order %q", d.Order)
		}
		if d.Order == "shuffle" && d.Seed == 0 {
			return fmt.Errorf("deliver: shuffle needs a non-zero seed")
		}
	case step.Advance != nil:
		if err := s.known(step.Advance.Replica); err != nil {
			return err
		}
		if step.Advance.MS <= 0 {
			return fmt.Errorf("advance: ms must be positive")
		}
	}
	return nil
}

func (s *Scenario) validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertConverged:
		for _, id := range a.Replicas {
			if err := s.known(id); err != nil {
				return err
			}
		}
		return nil
	case AssertField:
		if a.Entity == "" || a.Field == "" {
			return fmt.Errorf("field: entity and field are required")
		}
		if (a.Expect == nil) == !a.Absent {
			return fmt.Errorf("field: exactly one of expect, absent is required")
		}
		if a.Expect != nil {
			if _, err := value.FromAny(a.Expect); err != nil {
				return fmt.Errorf("field: expect: %w", err)
			}
		}
	case AssertDeleted:
		if a.Entity == "" {
			return fmt.Errorf("deleted: entity is required")
		}
	case AssertVector:
		if a.Vector == nil {
			return fmt.Errorf("vector: vector is required")
		}
	case AssertEntityCount:
		if a.Count == nil {
			return fmt.Errorf("entity_count: count is required")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return s.known(a.Replica)
}

// change converts the step into a store change.
func (m *MutateStep) change() (entity.Change, error) {
	if !slices.Contains(mutateOps, m.Op) {
		return entity.Change{}, fmt.Errorf("unknown op %q: must be one of %v", m.Op, mutateOps)
	}
	var v value.Value
	switch m.Op {
	case "set", "add", "remove", "put", "insert":
		if m.Value == nil {
			return entity.Change{}, fmt.Errorf("op %s needs a value", m.Op)
		}
		var err error
		if v, err = value.FromAny(m.Value); err != nil {
			return entity.Change{}, fmt.Errorf("value: %w", err)
		}
	}
	if (m.Op == "put" || m.Op == "delete-key") && m.Key == "" {
		return entity.Change{}, fmt.Errorf("op %s needs a key", m.Op)
	}
	if (m.Op == "delete") != (m.Field == "") {
		return entity.Change{}, fmt.Errorf("op %s: field must be set for every op except delete", m.Op)
	}

	switch m.Op {
	case "set":
		return entity.SetValue(v), nil
	case "add":
		return entity.AddElement(v), nil
	case "remove":
		return entity.RemoveElement(v), nil
	case "put":
		return entity.PutKey(m.Key, v), nil
	case "delete-key":
		return entity.DeleteKey(m.Key), nil
	case "insert":
		return entity.InsertAt(m.Index, v), nil
	case "remove-at":
		return entity.RemoveAt(m.Index), nil
	default:
		return entity.DeleteEntity(), nil
	}
}
