package step

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Func is one step attempt. It must be idempotent: the runner may invoke it
// any number of times with the same inputs before a Done outcome commits.
type Func func(ctx context.Context, attempt int) Outcome

// CheckpointStore persists successful step results keyed by run and step
// name, so a restarted process re-delivers the same value instead of
// recomputing it.
type CheckpointStore interface {
	Load(ctx context.Context, runID, name string) ([]byte, bool, error)
	Save(ctx context.Context, runID, name string, value []byte) error
}

// Runner executes named steps with checkpointing and retry.
type Runner struct {
	store  CheckpointStore
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a Runner on top of the given checkpoint store.
func NewRunner(store CheckpointStore, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:  store,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Run executes the named step. A previously committed result is returned
// without invoking fn. Otherwise fn is invoked up to policy.Limit times,
// sleeping policy.Wait between attempts, bounded by timeout wall-clock.
func (r *Runner) Run(
	ctx context.Context,
	runID, name string,
	policy RetryPolicy,
	timeout time.Duration,
	fn Func,
) ([]byte, error) {
	if value, ok, err := r.store.Load(ctx, runID, name); err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", runID, name, err)
	} else if ok {
		r.logger.Debug("step replayed from checkpoint",
			zap.String("run_id", runID),
			zap.String("step", name),
		)
		return value, nil
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	limit := policy.Limit
	if limit <= 0 {
		limit = 1
	}

	for attempt := 0; ; attempt++ {
		if err := r.checkDeadline(ctx, stepCtx, name); err != nil {
			return nil, err
		}

		out := fn(stepCtx, attempt)
		switch out.Kind {
		case KindDone:
			if err := r.store.Save(ctx, runID, name, out.Value); err != nil {
				return nil, fmt.Errorf("save checkpoint %s/%s: %w", runID, name, err)
			}
			return out.Value, nil
		case KindFatal:
			return nil, out.Err
		case KindRetry:
			if attempt+1 >= limit {
				return nil, fmt.Errorf("step %s: %w after %d attempts: %s",
					name, ErrAttemptsExhausted, attempt+1, out.Reason)
			}
			r.logger.Debug("step retrying",
				zap.String("run_id", runID),
				zap.String("step", name),
				zap.Int("attempt", attempt+1),
				zap.String("reason", out.Reason),
			)
			if err := r.sleep(stepCtx, policy.Wait(attempt)); err != nil {
				return nil, r.deadlineError(ctx, stepCtx, name, err)
			}
		default:
			return nil, fmt.Errorf("step %s: unknown outcome kind %d", name, out.Kind)
		}
	}
}

// Sleep waits for d, returning early if the context finishes first.
func (r *Runner) Sleep(ctx context.Context, d time.Duration) error {
	return r.sleep(ctx, d)
}

func (r *Runner) checkDeadline(parent, stepCtx context.Context, name string) error {
	if stepCtx.Err() == nil {
		return nil
	}
	return r.deadlineError(parent, stepCtx, name, stepCtx.Err())
}

func (r *Runner) deadlineError(parent, stepCtx context.Context, name string, cause error) error {
	if stepCtx.Err() != nil && parent.Err() == nil {
		return fmt.Errorf("step %s: %w", name, ErrDeadlineExceeded)
	}
	return fmt.Errorf("step %s: %w", name, cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
