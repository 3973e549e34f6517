package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/peer"
)

var _ peer.Book = (*Store)(nil)

// Pair adds a peer or updates its address.
func (s *Store) Pair(ctx context.Context, id clock.ReplicaID, addr string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("pair: empty replica id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (replica, addr, paired_at) VALUES (?, ?, ?)
		ON CONFLICT(replica) DO UPDATE SET addr = CASE WHEN excluded.addr = '' THEN addr ELSE excluded.addr END
	`, string(id), addr, toMillis(at))
	if err != nil {
		return fmt.Errorf("pair %s: %w", id, err)
	}
	return nil
}

// Unpair forgets a peer.
func (s *Store) Unpair(ctx context.Context, id clock.ReplicaID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE replica = ?`, string(id)); err != nil {
		return fmt.Errorf("unpair %s: %w", id, err)
	}
	return nil
}

// Get returns one peer.
func (s *Store) Get(ctx context.Context, id clock.ReplicaID) (peer.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT replica, addr, vector, paired_at, last_seen, last_sync
		FROM peers WHERE replica = ?
	`, string(id))
	rec, err := scanPeer(row)
	if isNoRows(err) {
		return peer.Record{}, false, nil
	}
	if err != nil {
		return peer.Record{}, false, err
	}
	return rec, true, nil
}

// List returns all peers ordered by id.
func (s *Store) List(ctx context.Context) ([]peer.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT replica, addr, vector, paired_at, last_seen, last_sync
		FROM peers ORDER BY replica COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	out := []peer.Record{}
	for rows.Next() {
		rec, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return out, nil
}

// Touch marks a paired peer as seen.
func (s *Store) Touch(ctx context.Context, id clock.ReplicaID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE peers SET last_seen = MAX(last_seen, ?) WHERE replica = ?
	`, toMillis(at), string(id))
	if err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// RecordSync merges the vector a peer reported and marks it synced.
func (s *Store) RecordSync(ctx context.Context, id clock.ReplicaID, vector clock.VersionVector, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record sync: begin tx: %w", err)
	}
	defer tx.Rollback()

	merged := clock.VersionVector{}
	var stored string
	err = tx.QueryRowContext(ctx, `SELECT vector FROM peers WHERE replica = ?`, string(id)).Scan(&stored)
	switch {
	case isNoRows(err):
	case err != nil:
		return fmt.Errorf("record sync: read: %w", err)
	default:
		if err := json.Unmarshal([]byte(stored), &merged); err != nil {
			return fmt.Errorf("record sync: decode stored vector: %w", err)
		}
	}
	merged.Merge(vector)

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("record sync: encode vector: %w", err)
	}
	ms := toMillis(at)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO peers (replica, vector, paired_at, last_seen, last_sync) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(replica) DO UPDATE SET
			vector = excluded.vector,
			last_sync = excluded.last_sync,
			last_seen = MAX(last_seen, excluded.last_seen)
	`, string(id), string(data), ms, ms, ms)
	if err != nil {
		return fmt.Errorf("record sync: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record sync: commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (peer.Record, error) {
	var (
		rec                          peer.Record
		id, vector                   string
		pairedAt, lastSeen, lastSync int64
	)
	if err := row.Scan(&id, &rec.Addr, &vector, &pairedAt, &lastSeen, &lastSync); err != nil {
		if isNoRows(err) {
			return rec, err
		}
		return rec, fmt.Errorf("scan peer: %w", err)
	}
	rec.ID = clock.ReplicaID(id)
	rec.Vector = clock.VersionVector{}
	if err := json.Unmarshal([]byte(vector), &rec.Vector); err != nil {
		return rec, fmt.Errorf("decode vector of peer %s: %w", id, err)
	}
	rec.PairedAt = fromMillis(pairedAt)
	rec.LastSeen = fromMillis(lastSeen)
	rec.LastSync = fromMillis(lastSync)
	return rec, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
