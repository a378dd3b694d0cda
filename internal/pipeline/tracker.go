package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/progress"
)

// Tracker records run lifecycle transitions and aggregates metrics. All
// transitions are monotonic: the underlying store refuses to resurrect a
// terminal run, and metric merges are keyed per step so a replayed durable
// step leaves the aggregates unchanged.
type Tracker struct {
	runs    RunStore
	clock   Clock
	emitter progress.Emitter
	logger  *zap.Logger
}

// NewTracker builds a Tracker. emitter may be nil when no observability
// fan-out is wired.
func NewTracker(runs RunStore, clock Clock, emitter progress.Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{runs: runs, clock: clock, emitter: emitter, logger: logger}
}

// Create registers a new queued run.
func (t *Tracker) Create(ctx context.Context, run Run) error {
	run.Status = RunQueued
	if run.CreatedAt.IsZero() {
		run.CreatedAt = t.clock.Now()
	}
	if err := t.runs.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// Start moves the run to running and stamps started_at.
func (t *Tracker) Start(ctx context.Context, run Run) error {
	now := t.clock.Now()
	if err := t.runs.MarkRunning(ctx, run.ID, now); err != nil {
		return fmt.Errorf("start run %s: %w", run.ID, err)
	}
	t.emit(progress.Event{
		RunID: run.ID,
		TS:    now,
		Stage: progress.StageRunStart,
		Kind:  string(run.Kind),
	})
	return nil
}

// Complete moves the run to completed.
func (t *Tracker) Complete(ctx context.Context, run Run) error {
	return t.finish(ctx, run, RunCompleted, "", progress.StageRunDone)
}

// Fail moves the run to failed with a human-readable message.
func (t *Tracker) Fail(ctx context.Context, run Run, errText string) error {
	return t.finish(ctx, run, RunFailed, errText, progress.StageRunError)
}

// Cancel moves the run to cancelled.
func (t *Tracker) Cancel(ctx context.Context, run Run, reason string) error {
	return t.finish(ctx, run, RunCancelled, reason, progress.StageRunCancelled)
}

func (t *Tracker) finish(ctx context.Context, run Run, status RunStatus, errText string, stage progress.Stage) error {
	now := t.clock.Now()
	if err := t.runs.MarkFinished(ctx, run.ID, status, errText, now); err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	evt := progress.Event{
		RunID: run.ID,
		TS:    now,
		Stage: stage,
		Kind:  string(run.Kind),
		Note:  errText,
	}
	if run.StartedAt != nil {
		evt.Dur = now.Sub(*run.StartedAt)
	}
	t.emit(evt)
	return nil
}

// ApplyMetrics merges a metrics delta keyed by stepKey. Reapplying the same
// key is a logged no-op, which is what makes substrate retries safe.
func (t *Tracker) ApplyMetrics(ctx context.Context, run Run, stepKey string, delta RunCounts) error {
	applied, err := t.runs.ApplyMetrics(ctx, run.ID, stepKey, delta)
	if err != nil {
		return fmt.Errorf("apply metrics %s/%s: %w", run.ID, stepKey, err)
	}
	if !applied {
		t.logger.Debug("metrics step already applied",
			zap.String("run_id", run.ID),
			zap.String("step_key", stepKey),
		)
		return nil
	}
	if delta.Processed > 0 || delta.Errors > 0 {
		t.emit(progress.Event{
			RunID:   run.ID,
			TS:      t.clock.Now(),
			Stage:   progress.StageRecordsIngested,
			Kind:    string(run.Kind),
			Records: int64(delta.Processed),
			Errors:  int64(delta.Errors),
		})
	}
	return nil
}

// BatchResolved records a batch outcome for observability.
func (t *Tracker) BatchResolved(run Run, outcome BatchOutcome) {
	stage := progress.StageBatchDone
	if outcome.Err != "" {
		stage = progress.StageBatchError
	}
	t.emit(progress.Event{
		RunID: run.ID,
		TS:    t.clock.Now(),
		Stage: stage,
		Kind:  string(run.Kind),
		Batch: outcome.Index,
		Note:  outcome.Err,
	})
}

// DecodeFailed records a batch payload that no fallback could parse.
func (t *Tracker) DecodeFailed(run Run, batch int) {
	t.emit(progress.Event{
		RunID: run.ID,
		TS:    t.clock.Now(),
		Stage: progress.StageDecodeFailure,
		Kind:  string(run.Kind),
		Batch: batch,
	})
}

// AppendHandle records a provider handle used by the run.
func (t *Tracker) AppendHandle(ctx context.Context, run Run, handle string) error {
	if err := t.runs.AppendHandle(ctx, run.ID, handle); err != nil {
		return fmt.Errorf("append handle %s to run %s: %w", handle, run.ID, err)
	}
	return nil
}

func (t *Tracker) emit(evt progress.Event) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(evt)
}

// Stamp returns the current time; exposed so the orchestrator and tracker
// agree on one clock.
func (t *Tracker) Stamp() time.Time {
	return t.clock.Now()
}
