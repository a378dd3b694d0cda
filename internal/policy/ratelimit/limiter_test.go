package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "trigger"))
	}
}

func TestWaitPacesBeyondBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 50, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "progress"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "progress"))
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("expected second call to wait for a token, waited %v", elapsed)
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "snapshot"))
	err := l.Wait(ctx, "snapshot")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOperationsLimitedIndependently(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "trigger"))
	require.NoError(t, l.Wait(ctx, "progress"))
	require.NoError(t, l.Wait(ctx, "snapshot"))
}
