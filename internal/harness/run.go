package harness

import (
	"context"
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
)

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when no assertion failed.
	Pass bool
	// Errors lists failed assertions and unmet rejections.
	Errors []string
	// Trace records each step in order.
	Trace   []string
	Cluster *Cluster
}

// Run executes s against a fresh cluster. The error is non-nil only when a
// step could not be carried out; assertion failures land in Result.Errors.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	start := s.Start
	if start == 0 {
		start = DefaultStart
	}
	ids := make([]clock.ReplicaID, len(s.Replicas))
	for i, r := range s.Replicas {
		ids[i] = clock.ReplicaID(r)
	}
	c, err := NewCluster(start, ids...)
	if err != nil {
		return nil, err
	}

	res := &Result{Cluster: c}
	for i, step := range s.Steps {
		line, err := runStep(ctx, c, step, res)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", i, err)
		}
		res.Trace = append(res.Trace, line)
	}

	for i, a := range s.Assertions {
		if err := check(c, a); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	res.Pass = len(res.Errors) == 0
	return res, nil
}

func runStep(ctx context.Context, c *Cluster, step Step, res *Result) (string, error) {
	switch {
	case step.Mutate != nil:
		m := step.Mutate
		target := m.Type + "/" + m.Entity
		if m.Field != "" {
			target += "." + m.Field
		}
		change, err := m.change()
		if err != nil {
			return "", err
		}
		o, err := c.Mutate(ctx, clock.ReplicaID(m.Replica), m.Type, m.Entity, m.Field, change)
		switch {
		case m.Reject && err != nil:
			return fmt.Sprintf("mutate %s %s %s rejected", m.Replica, target, m.Op), nil
		case m.Reject:
			res.Errors = append(res.Errors, fmt.Sprintf("mutate %s %s %s: expected rejection, got %s",
				m.Replica, target, m.Op, o.Dot()))
			return fmt.Sprintf("mutate %s %s %s -> %s", m.Replica, target, o.Payload.Kind, o.Dot()), nil
		case err != nil:
			return "", fmt.Errorf("mutate %s %s: %w", m.Replica, target, err)
		}
		return fmt.Sprintf("mutate %s %s %s -> %s", m.Replica, target, o.Payload.Kind, o.Dot()), nil

	case step.Sync != nil:
		a, b := clock.ReplicaID(step.Sync[0]), clock.ReplicaID(step.Sync[1])
		ra, rb, err := c.Sync(ctx, a, b)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sync %s<->%s sent %d received %d", a, b, ra.Sent, rb.Sent), nil

	case step.Deliver != nil:
		d := step.Deliver
		from := make([]clock.ReplicaID, len(d.From))
		for i, id := range d.From {
			from[i] = clock.ReplicaID(id)
		}
		order := Order{Reverse: d.Order == "reverse", Duplicate: d.Duplicate}
		if d.Order == "shuffle" {
			order.Seed = d.Seed
		}
		n, err := c.Deliver(ctx, clock.ReplicaID(d.To), order, from...)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("deliver %v -> %s integrated %d", d.From, d.To, n), nil

	case step.Advance != nil:
		r, err := c.Replica(clock.ReplicaID(step.Advance.Replica))
		if err != nil {
			return "", err
		}
		r.Clock.Advance(step.Advance.MS)
		return fmt.Sprintf("advance %s %dms", r.ID, step.Advance.MS), nil
	}
	return "", fmt.Errorf("empty step")
}
