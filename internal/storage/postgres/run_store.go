package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openlistings/harvester/internal/pipeline"
)

// RunStore persists run rows and their aggregate metrics.
type RunStore struct {
	pool db
}

// NewRunStore wraps a pool (or a mock) as a RunStore.
func NewRunStore(pool db) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const runColumns = `id, kind, status, params, error_text, parent_id,
requested, processed, errors, skipped, bytes_written, files_written,
handles, created_at, started_at, finished_at, duration_ms`

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run pipeline.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", run.ID, err)
	}
	query := `
INSERT INTO runs (id, kind, status, params, parent_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query,
		run.ID, string(run.Kind), string(run.Status), params, nullable(run.ParentID), run.CreatedAt); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run or pipeline.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, runID string) (pipeline.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Run{}, fmt.Errorf("run %s: %w", runID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// MarkRunning moves queued -> running. Any other current state makes this a
// no-op, which keeps transitions monotonic under replays.
func (s *RunStore) MarkRunning(ctx context.Context, runID string, at time.Time) error {
	query := `UPDATE runs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`
	if _, err := s.pool.Exec(ctx, query,
		runID, string(pipeline.RunRunning), at, string(pipeline.RunQueued)); err != nil {
		return fmt.Errorf("mark run %s running: %w", runID, err)
	}
	return nil
}

// MarkFinished moves queued/running -> a terminal status and computes the
// duration from the stored started_at. Terminal runs are never resurrected.
func (s *RunStore) MarkFinished(ctx context.Context, runID string, status pipeline.RunStatus, errText string, at time.Time) error {
	query := `
UPDATE runs
SET status = $2,
    error_text = $3,
    finished_at = $4,
    duration_ms = COALESCE((EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::BIGINT, 0)
WHERE id = $1 AND status IN ($5, $6)`
	if _, err := s.pool.Exec(ctx, query,
		runID, string(status), errText, at,
		string(pipeline.RunQueued), string(pipeline.RunRunning)); err != nil {
		return fmt.Errorf("mark run %s finished: %w", runID, err)
	}
	return nil
}

// ApplyMetrics merges a delta exactly once per (run, stepKey). The step key
// row is claimed first; losing that claim means the delta was already
// applied by an earlier attempt, so the counters stay untouched.
func (s *RunStore) ApplyMetrics(ctx context.Context, runID, stepKey string, delta pipeline.RunCounts) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin apply metrics %s/%s: %w", runID, stepKey, err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO run_metric_steps (run_id, step_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		runID, stepKey)
	if err != nil {
		return false, fmt.Errorf("claim metrics step %s/%s: %w", runID, stepKey, err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit metrics noop %s/%s: %w", runID, stepKey, err)
		}
		return false, nil
	}

	query := `
UPDATE runs
SET requested = requested + $2,
    processed = processed + $3,
    errors = errors + $4,
    skipped = skipped + $5,
    bytes_written = bytes_written + $6,
    files_written = files_written + $7
WHERE id = $1`
	if _, err := tx.Exec(ctx, query, runID,
		delta.Requested, delta.Processed, delta.Errors,
		delta.Skipped, delta.BytesWritten, delta.FilesWritten); err != nil {
		return false, fmt.Errorf("apply metrics %s/%s: %w", runID, stepKey, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit metrics %s/%s: %w", runID, stepKey, err)
	}
	return true, nil
}

// AppendHandle records a provider handle used by the run, once.
func (s *RunStore) AppendHandle(ctx context.Context, runID, handle string) error {
	query := `UPDATE runs SET handles = array_append(handles, $2) WHERE id = $1 AND NOT (handles @> ARRAY[$2])`
	if _, err := s.pool.Exec(ctx, query, runID, handle); err != nil {
		return fmt.Errorf("append handle to run %s: %w", runID, err)
	}
	return nil
}

// ListActive returns queued and running runs, oldest first.
func (s *RunStore) ListActive(ctx context.Context) ([]pipeline.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status IN ($1, $2) ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, string(pipeline.RunQueued), string(pipeline.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRecent returns runs newest first, optionally filtered by kind and
// status. Empty filter values match everything.
func (s *RunStore) ListRecent(ctx context.Context, limit int, kind pipeline.RunKind, status pipeline.RunStatus) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT ` + runColumns + ` FROM runs
WHERE ($2 = '' OR kind = $2) AND ($3 = '' OR status = $3)
ORDER BY created_at DESC
LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit, string(kind), string(status))
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]pipeline.Run, error) {
	defer rows.Close()
	var runs []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (pipeline.Run, error) {
	var (
		run      pipeline.Run
		kind     string
		status   string
		params   []byte
		parentID *string
	)
	err := row.Scan(
		&run.ID, &kind, &status, &params, &run.ErrorText, &parentID,
		&run.Counts.Requested, &run.Counts.Processed, &run.Counts.Errors,
		&run.Counts.Skipped, &run.Counts.BytesWritten, &run.Counts.FilesWritten,
		&run.Handles, &run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.DurationMs,
	)
	if err != nil {
		return pipeline.Run{}, err
	}
	run.Kind = pipeline.RunKind(kind)
	run.Status = pipeline.RunStatus(status)
	if parentID != nil {
		run.ParentID = *parentID
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &run.Params); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal run params: %w", err)
		}
	}
	return run, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
