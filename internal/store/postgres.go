package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlEnsureSnapshots = `
CREATE TABLE IF NOT EXISTS comfygate_snapshots (
    client_id  TEXT PRIMARY KEY,
    payload    JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	sqlUpsertSnapshot = `
INSERT INTO comfygate_snapshots (client_id, payload, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (client_id)
DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`

	sqlSelectSnapshot = `
SELECT payload FROM comfygate_snapshots WHERE client_id = $1`

	sqlDeleteSnapshot = `
DELETE FROM comfygate_snapshots WHERE client_id = $1`

	sqlPruneSnapshots = `
DELETE FROM comfygate_snapshots WHERE updated_at < now() - $1::interval`
)

// PostgresStore persists snapshots in a single jsonb-backed table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the snapshot table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlEnsureSnapshots); err != nil {
		return fmt.Errorf("ensure snapshots table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, clientID string) (*Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, sqlSelectSnapshot, clientID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres load snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *PostgresStore) Save(ctx context.Context, clientID string, snap *Snapshot) error {
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertSnapshot, clientID, raw); err != nil {
		return fmt.Errorf("postgres save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, clientID string) error {
	if _, err := s.pool.Exec(ctx, sqlDeleteSnapshot, clientID); err != nil {
		return fmt.Errorf("postgres delete snapshot: %w", err)
	}
	return nil
}

// PruneStale deletes snapshots that have not been written within the given
// retention interval, e.g. "600 seconds".
func (s *PostgresStore) PruneStale(ctx context.Context, retention string) error {
	if _, err := s.pool.Exec(ctx, sqlPruneSnapshots, retention); err != nil {
		return fmt.Errorf("postgres prune snapshots: %w", err)
	}
	return nil
}

var _ SnapshotStore = (*PostgresStore)(nil)
