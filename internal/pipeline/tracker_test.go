package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlistings/harvester/internal/pipeline"
	"github.com/openlistings/harvester/internal/progress"
	"github.com/openlistings/harvester/internal/storage/memory"
)

func newTrackerEnv() (*pipeline.Tracker, *memory.RunStore, *fakeClock, *collector) {
	runs := memory.NewRunStore()
	clk := newFakeClock()
	events := &collector{}
	return pipeline.NewTracker(runs, clk, events, nil), runs, clk, events
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	tracker, runs, clk, events := newTrackerEnv()
	ctx := context.Background()
	run := pipeline.Run{ID: "run-1", Kind: pipeline.KindDiscovery}

	require.NoError(t, tracker.Create(ctx, run))
	stored, err := runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunQueued, stored.Status)

	require.NoError(t, tracker.Start(ctx, run))
	startedAt := clk.Now()
	run.StartedAt = &startedAt
	clk.Advance(90 * time.Second)
	require.NoError(t, tracker.Complete(ctx, run))

	stored, err = runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, stored.Status)
	assert.Equal(t, int64(90_000), stored.DurationMs)

	assert.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunDone}, events.Stages())
}

func TestTrackerFailRecordsErrorText(t *testing.T) {
	t.Parallel()

	tracker, runs, _, events := newTrackerEnv()
	ctx := context.Background()
	run := pipeline.Run{ID: "run-2", Kind: pipeline.KindEnrichment}

	require.NoError(t, tracker.Create(ctx, run))
	require.NoError(t, tracker.Start(ctx, run))
	require.NoError(t, tracker.Fail(ctx, run, "provider rejected submission"))

	stored, err := runs.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, stored.Status)
	assert.Equal(t, "provider rejected submission", stored.ErrorText)
	assert.Equal(t, 1, events.Count(progress.StageRunError))
}

func TestTrackerTerminalRunNotResurrected(t *testing.T) {
	t.Parallel()

	tracker, runs, _, _ := newTrackerEnv()
	ctx := context.Background()
	run := pipeline.Run{ID: "run-3", Kind: pipeline.KindDiscovery}

	require.NoError(t, tracker.Create(ctx, run))
	require.NoError(t, tracker.Start(ctx, run))
	require.NoError(t, tracker.Complete(ctx, run))

	// A replayed Start or Fail after completion leaves the row untouched.
	require.NoError(t, tracker.Start(ctx, run))
	require.NoError(t, tracker.Fail(ctx, run, "late failure"))

	stored, err := runs.GetRun(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, stored.Status)
	assert.Empty(t, stored.ErrorText)
}

func TestTrackerApplyMetricsIdempotent(t *testing.T) {
	t.Parallel()

	tracker, runs, _, events := newTrackerEnv()
	ctx := context.Background()
	run := pipeline.Run{ID: "run-4", Kind: pipeline.KindDiscovery}
	require.NoError(t, tracker.Create(ctx, run))

	delta := pipeline.RunCounts{Processed: 7, Errors: 2}
	require.NoError(t, tracker.ApplyMetrics(ctx, run, "batch-00", delta))
	require.NoError(t, tracker.ApplyMetrics(ctx, run, "batch-00", delta))
	require.NoError(t, tracker.ApplyMetrics(ctx, run, "batch-01", pipeline.RunCounts{Processed: 3}))

	stored, err := runs.GetRun(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, 10, stored.Counts.Processed)
	assert.Equal(t, 2, stored.Counts.Errors)
	assert.Equal(t, 2, events.Count(progress.StageRecordsIngested))
}

func TestTrackerAppendHandleOnce(t *testing.T) {
	t.Parallel()

	tracker, runs, _, _ := newTrackerEnv()
	ctx := context.Background()
	run := pipeline.Run{ID: "run-5", Kind: pipeline.KindDiscovery}
	require.NoError(t, tracker.Create(ctx, run))

	require.NoError(t, tracker.AppendHandle(ctx, run, "snap-1"))
	require.NoError(t, tracker.AppendHandle(ctx, run, "snap-1"))
	require.NoError(t, tracker.AppendHandle(ctx, run, "snap-2"))

	stored, err := runs.GetRun(ctx, "run-5")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1", "snap-2"}, stored.Handles)
}

func TestTrackerBatchResolvedStages(t *testing.T) {
	t.Parallel()

	tracker, _, _, events := newTrackerEnv()
	run := pipeline.Run{ID: "run-6", Kind: pipeline.KindDiscovery}

	tracker.BatchResolved(run, pipeline.BatchOutcome{Index: 0, Stored: 5})
	tracker.BatchResolved(run, pipeline.BatchOutcome{Index: 1, Err: "provider unavailable"})

	assert.Equal(t, 1, events.Count(progress.StageBatchDone))
	assert.Equal(t, 1, events.Count(progress.StageBatchError))
}
