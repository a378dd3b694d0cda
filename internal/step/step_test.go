package step

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyWait(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Limit: 5, Delay: 10 * time.Second, Backoff: 2}
	assert.Equal(t, 10*time.Second, p.Wait(0))
	assert.Equal(t, 20*time.Second, p.Wait(1))
	assert.Equal(t, 40*time.Second, p.Wait(2))
}

func TestRetryPolicyWaitFlat(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Limit: 3, Delay: 5 * time.Minute, Backoff: 1}
	assert.Equal(t, 5*time.Minute, p.Wait(0))
	assert.Equal(t, 5*time.Minute, p.Wait(4))
}

func TestRetryPolicyWaitCapped(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Limit: 50, Delay: 30 * time.Second, Backoff: 2}
	assert.Equal(t, time.Hour, p.Wait(20))
}

func TestRetryPolicyWaitZeroDelay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Limit: 3}
	assert.Equal(t, time.Duration(0), p.Wait(0))
}

func TestOutcomeConstructors(t *testing.T) {
	t.Parallel()

	done := Done([]byte("value"))
	assert.Equal(t, KindDone, done.Kind)
	assert.Equal(t, []byte("value"), done.Value)

	retry := Retry("still processing")
	assert.Equal(t, KindRetry, retry.Kind)
	assert.Equal(t, "still processing", retry.Reason)

	fatal := Fatal(assert.AnError)
	assert.Equal(t, KindFatal, fatal.Kind)
	assert.ErrorIs(t, fatal.Err, assert.AnError)
}
