package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/op"
)

// AppendOp records an integrated operation atomically with the vector and
// clock updates. Re-appending a dot is a no-op.
func (s *Store) AppendOp(ctx context.Context, rec op.Record, last clock.Timestamp) error {
	data, err := json.Marshal(rec.Op)
	if err != nil {
		return fmt.Errorf("append op: marshal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append op: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ops (seq, replica, counter, entity_id, entity_type, op)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(replica, counter) DO NOTHING
	`,
		int64(rec.Seq),
		string(rec.Op.Replica),
		int64(rec.Op.Counter),
		rec.Op.EntityID,
		rec.Op.EntityType,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("append op: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vector (replica, counter) VALUES (?, ?)
		ON CONFLICT(replica) DO UPDATE SET counter = MAX(counter, excluded.counter)
	`, string(rec.Op.Replica), int64(rec.Op.Counter))
	if err != nil {
		return fmt.Errorf("append op: vector: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clock_state (id, physical, logical) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET physical = excluded.physical, logical = excluded.logical
	`, last.Physical, int64(last.Logical))
	if err != nil {
		return fmt.Errorf("append op: clock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append op: commit: %w", err)
	}
	return nil
}

// Collect deletes an entity's operations and remembers it as collected.
func (s *Store) Collect(ctx context.Context, entityID string, at clock.Timestamp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("collect: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ops WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("collect: delete ops: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO collected (entity_id, physical, logical, replica) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id) DO NOTHING
	`, entityID, at.Physical, int64(at.Logical), string(at.Replica))
	if err != nil {
		return fmt.Errorf("collect: mark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("collect: commit: %w", err)
	}
	return nil
}

// Load reads everything needed to rebuild the entity store.
// Records are ordered by seq.
func (s *Store) Load(ctx context.Context) (entity.RestoreState, error) {
	st := entity.RestoreState{
		Vector:    clock.VersionVector{},
		Collected: make(map[string]clock.Timestamp),
	}

	var err error
	if st.Records, err = s.readOps(ctx); err != nil {
		return st, err
	}
	if err := s.readVector(ctx, st.Vector); err != nil {
		return st, err
	}
	if err := s.readCollected(ctx, st.Collected); err != nil {
		return st, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT physical, logical FROM clock_state WHERE id = 1`).
		Scan(&st.Clock.Physical, &st.Clock.Logical)
	if err != nil && !isNoRows(err) {
		return st, fmt.Errorf("load clock: %w", err)
	}
	return st, nil
}

// OpCount returns the number of stored operations.
func (s *Store) OpCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ops: %w", err)
	}
	return n, nil
}

func (s *Store) readOps(ctx context.Context) ([]op.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, op FROM ops ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	recs := []op.Record{}
	for rows.Next() {
		var (
			seq  int64
			data string
			rec  op.Record
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Op); err != nil {
			return nil, fmt.Errorf("decode op at seq %d: %w", seq, err)
		}
		rec.Seq = uint64(seq)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return recs, nil
}

func (s *Store) readVector(ctx context.Context, into clock.VersionVector) error {
	rows, err := s.db.QueryContext(ctx, `SELECT replica, counter FROM vector`)
	if err != nil {
		return fmt.Errorf("query vector: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			replica string
			counter int64
		)
		if err := rows.Scan(&replica, &counter); err != nil {
			return fmt.Errorf("scan vector: %w", err)
		}
		into.Advance(clock.ReplicaID(replica), uint64(counter))
	}
	return rows.Err()
}

func (s *Store) readCollected(ctx context.Context, into map[string]clock.Timestamp) error {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, physical, logical, replica FROM collected`)
	if err != nil {
		return fmt.Errorf("query collected: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			ts      clock.Timestamp
			replica string
		)
		if err := rows.Scan(&id, &ts.Physical, &ts.Logical, &replica); err != nil {
			return fmt.Errorf("scan collected: %w", err)
		}
		ts.Replica = clock.ReplicaID(replica)
		into[id] = ts
	}
	return rows.Err()
}
