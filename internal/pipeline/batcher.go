package pipeline

import (
	"context"

	"go.uber.org/zap"
)

// DefaultBatchSize bounds one provider submission.
const DefaultBatchSize = 10

// ProcessFunc drives a single batch through submission, detection, decoding,
// and persistence. Returning an error marks only that batch as failed.
type ProcessFunc func(ctx context.Context, batch Batch) (BatchResult, error)

// Coordinator splits a large set of work items into bounded batches and
// drives them sequentially. Batches run one at a time to respect provider
// rate limits, but failures are isolated: one bad batch never aborts its
// siblings.
type Coordinator struct {
	logger *zap.Logger
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger}
}

// Run chunks items into consecutive batches of size (final chunk may be
// smaller) and processes each. Every batch's outcome is retained for the
// final summary regardless of how its siblings fared.
func (c *Coordinator) Run(ctx context.Context, items []Item, size int, process ProcessFunc) []BatchOutcome {
	if size <= 0 {
		size = DefaultBatchSize
	}
	outcomes := make([]BatchOutcome, 0, (len(items)+size-1)/size)

	for start, index := 0, 0; start < len(items); start, index = start+size, index+1 {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batch := Batch{Index: index, Items: items[start:end]}
		outcome := BatchOutcome{Index: index, Size: len(batch.Items)}

		result, err := process(ctx, batch)
		if err != nil {
			outcome.Err = err.Error()
			c.logger.Error("batch failed",
				zap.Int("batch", index),
				zap.Int("size", outcome.Size),
				zap.Error(err),
			)
		} else {
			outcome.Handle = result.Handle
			outcome.Stored = result.Stored
			outcome.Errors = result.Errors
			outcome.Skipped = result.Skipped
		}
		outcomes = append(outcomes, outcome)

		if ctx.Err() != nil {
			c.logger.Warn("batch run cancelled", zap.Int("completed", index+1))
			break
		}
	}
	return outcomes
}
