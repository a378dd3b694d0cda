package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CheckpointStore persists durable-step results so a restarted run replays
// committed steps instead of re-executing them.
type CheckpointStore struct {
	pool db
}

// NewCheckpointStore wraps a pool (or a mock) as a CheckpointStore.
func NewCheckpointStore(pool db) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{pool: pool}, nil
}

// Load returns the committed value for (runID, name), if any.
func (s *CheckpointStore) Load(ctx context.Context, runID, name string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM step_checkpoints WHERE run_id = $1 AND step_name = $2`,
		runID, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint %s/%s: %w", runID, name, err)
	}
	return value, true, nil
}

// Save commits the value for (runID, name). A replayed save overwrites with
// the same value, so last-write-wins is safe here.
func (s *CheckpointStore) Save(ctx context.Context, runID, name string, value []byte) error {
	query := `
INSERT INTO step_checkpoints (run_id, step_name, value)
VALUES ($1, $2, $3)
ON CONFLICT (run_id, step_name) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.pool.Exec(ctx, query, runID, name, value); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", runID, name, err)
	}
	return nil
}
