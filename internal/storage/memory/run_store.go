package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openlistings/harvester/internal/pipeline"
)

// RunStore keeps runs in-memory with monotonic transitions and per-step
// idempotent metric merges, mirroring the Postgres store semantics.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[string]pipeline.Run
	applied map[string]map[string]struct{}
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[string]pipeline.Run),
		applied: make(map[string]map[string]struct{}),
	}
}

// CreateRun registers a new run row.
func (s *RunStore) CreateRun(_ context.Context, run pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	s.applied[run.ID] = make(map[string]struct{})
	return nil
}

// GetRun returns the run or ErrNotFound.
func (s *RunStore) GetRun(_ context.Context, runID string) (pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.Run{}, fmt.Errorf("run %s: %w", runID, pipeline.ErrNotFound)
	}
	return run, nil
}

// MarkRunning moves queued -> running.
func (s *RunStore) MarkRunning(_ context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, pipeline.ErrNotFound)
	}
	if run.Status != pipeline.RunQueued {
		return nil
	}
	run.Status = pipeline.RunRunning
	run.StartedAt = &at
	s.runs[runID] = run
	return nil
}

// MarkFinished moves queued/running -> terminal and computes the duration.
func (s *RunStore) MarkFinished(_ context.Context, runID string, status pipeline.RunStatus, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, pipeline.ErrNotFound)
	}
	if run.Status != pipeline.RunQueued && run.Status != pipeline.RunRunning {
		return nil
	}
	run.Status = status
	run.ErrorText = errText
	run.FinishedAt = &at
	if run.StartedAt != nil {
		run.DurationMs = at.Sub(*run.StartedAt).Milliseconds()
	}
	s.runs[runID] = run
	return nil
}

// ApplyMetrics merges the delta once per (runID, stepKey).
func (s *RunStore) ApplyMetrics(_ context.Context, runID, stepKey string, delta pipeline.RunCounts) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, pipeline.ErrNotFound)
	}
	steps := s.applied[runID]
	if _, done := steps[stepKey]; done {
		return false, nil
	}
	steps[stepKey] = struct{}{}
	run.Counts.Requested += delta.Requested
	run.Counts.Processed += delta.Processed
	run.Counts.Errors += delta.Errors
	run.Counts.Skipped += delta.Skipped
	run.Counts.BytesWritten += delta.BytesWritten
	run.Counts.FilesWritten += delta.FilesWritten
	s.runs[runID] = run
	return true, nil
}

// AppendHandle records a provider handle once.
func (s *RunStore) AppendHandle(_ context.Context, runID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, pipeline.ErrNotFound)
	}
	for _, h := range run.Handles {
		if h == handle {
			return nil
		}
	}
	run.Handles = append(run.Handles, handle)
	s.runs[runID] = run
	return nil
}

// ListActive returns runs in queued or running state.
func (s *RunStore) ListActive(_ context.Context) ([]pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []pipeline.Run
	for _, run := range s.runs {
		if run.Status == pipeline.RunQueued || run.Status == pipeline.RunRunning {
			active = append(active, run)
		}
	}
	sortRuns(active)
	return active, nil
}

// ListRecent returns runs newest first, optionally filtered.
func (s *RunStore) ListRecent(_ context.Context, limit int, kind pipeline.RunKind, status pipeline.RunStatus) ([]pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recent []pipeline.Run
	for _, run := range s.runs {
		if kind != "" && run.Kind != kind {
			continue
		}
		if status != "" && run.Status != status {
			continue
		}
		recent = append(recent, run)
	}
	sortRuns(recent)
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

func sortRuns(runs []pipeline.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
