package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openlistings/harvester/internal/pipeline"
)

// RecordStore persists decoded records in the listings tables.
type RecordStore struct {
	pool db
}

// NewRecordStore wraps a pool (or a mock) as a RecordStore.
func NewRecordStore(pool db) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRecord writes the primary row. Attributes are last-write-wins; the
// enriched flag is deliberately absent from the update list so it is never
// cleared by a later discovery pass.
func (s *RecordStore) UpsertRecord(ctx context.Context, rec pipeline.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	attrs, err := json.Marshal(rec.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs for %s: %w", rec.ID, err)
	}
	query := `
INSERT INTO listings (id, attrs, first_seen_at, updated_at)
VALUES ($1, $2, NOW(), NOW())
ON CONFLICT (id) DO UPDATE
SET attrs = EXCLUDED.attrs, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, rec.ID, attrs); err != nil {
		return fmt.Errorf("upsert listing %s: %w", rec.ID, err)
	}
	return nil
}

// ReplaceNested replaces one nested collection for an identifier wholesale:
// delete-then-insert inside a transaction, never a merge.
func (s *RecordStore) ReplaceNested(ctx context.Context, kind, id string, items []map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace %s for %s: %w", kind, id, err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM listing_nested WHERE listing_id = $1 AND kind = $2`, id, kind); err != nil {
		return fmt.Errorf("delete %s for %s: %w", kind, id, err)
	}
	for i, item := range items {
		encoded, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal %s[%d] for %s: %w", kind, i, id, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO listing_nested (listing_id, kind, position, item) VALUES ($1, $2, $3, $4)`,
			id, kind, i, encoded); err != nil {
			return fmt.Errorf("insert %s[%d] for %s: %w", kind, i, id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace %s for %s: %w", kind, id, err)
	}
	return nil
}

// SetEnriched flips the enriched flag. Only ever set, never cleared.
func (s *RecordStore) SetEnriched(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET enriched = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set enriched for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// ListUnenriched returns canonical identifiers awaiting enrichment, oldest
// first.
func (s *RecordStore) ListUnenriched(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM listings WHERE NOT enriched ORDER BY first_seen_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unenriched: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unenriched id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unenriched ids: %w", err)
	}
	return ids, nil
}

// rollback discards the tx; pgx.ErrTxClosed after a successful commit is
// expected and everything else is moot once the operation's own error
// propagates.
func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
