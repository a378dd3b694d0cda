package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeItems(n int) []Item {
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, Item{"id": fmt.Sprintf("%d", i)})
	}
	return items
}

func TestCoordinatorChunksConsecutively(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(nil)
	var sizes []int
	var firsts []string

	outcomes := coord.Run(context.Background(), makeItems(25), 10,
		func(_ context.Context, batch Batch) (BatchResult, error) {
			sizes = append(sizes, len(batch.Items))
			firsts = append(firsts, batch.Items[0]["id"].(string))
			return BatchResult{Stored: len(batch.Items)}, nil
		})

	require.Len(t, outcomes, 3)
	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Equal(t, []string{"0", "10", "20"}, firsts)
	for i, outcome := range outcomes {
		assert.Equal(t, i, outcome.Index)
		assert.Empty(t, outcome.Err)
	}
}

func TestCoordinatorExactMultiple(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(nil)
	outcomes := coord.Run(context.Background(), makeItems(20), 10,
		func(_ context.Context, batch Batch) (BatchResult, error) {
			return BatchResult{Stored: len(batch.Items)}, nil
		})
	require.Len(t, outcomes, 2)
	assert.Equal(t, 10, outcomes[0].Size)
	assert.Equal(t, 10, outcomes[1].Size)
}

func TestCoordinatorIsolatesBatchFailure(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(nil)
	outcomes := coord.Run(context.Background(), makeItems(25), 10,
		func(_ context.Context, batch Batch) (BatchResult, error) {
			if batch.Index == 1 {
				return BatchResult{}, errors.New("provider exploded")
			}
			return BatchResult{Handle: fmt.Sprintf("snap-%d", batch.Index), Stored: len(batch.Items)}, nil
		})

	require.Len(t, outcomes, 3)
	assert.Empty(t, outcomes[0].Err)
	assert.Equal(t, "provider exploded", outcomes[1].Err)
	assert.Zero(t, outcomes[1].Stored)
	assert.Empty(t, outcomes[2].Err)
	assert.Equal(t, 5, outcomes[2].Stored)
}

func TestCoordinatorDefaultsBatchSize(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(nil)
	outcomes := coord.Run(context.Background(), makeItems(15), 0,
		func(_ context.Context, batch Batch) (BatchResult, error) {
			return BatchResult{}, nil
		})
	require.Len(t, outcomes, 2)
	assert.Equal(t, DefaultBatchSize, outcomes[0].Size)
}

func TestCoordinatorStopsAfterCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	coord := NewCoordinator(nil)

	outcomes := coord.Run(ctx, makeItems(30), 10,
		func(_ context.Context, batch Batch) (BatchResult, error) {
			if batch.Index == 0 {
				cancel()
			}
			return BatchResult{Stored: len(batch.Items)}, nil
		})

	// The in-flight batch's outcome is recorded before the loop stops.
	require.Len(t, outcomes, 1)
	assert.Equal(t, 10, outcomes[0].Stored)
}

func TestCoordinatorEmptyItems(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(nil)
	outcomes := coord.Run(context.Background(), nil, 10,
		func(context.Context, Batch) (BatchResult, error) {
			t.Fatal("process must not be called for empty input")
			return BatchResult{}, nil
		})
	assert.Empty(t, outcomes)
}
