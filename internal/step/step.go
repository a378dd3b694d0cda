// Package step provides the durable-step abstraction the pipeline runs on:
// named units of work whose results are checkpointed, retried under an
// explicit policy, and re-delivered unchanged after a process restart.
package step

import (
	"errors"
	"math"
	"time"
)

// Step errors distinguished by the caller.
var (
	// ErrAttemptsExhausted means every attempt allowed by the retry policy
	// asked for another retry.
	ErrAttemptsExhausted = errors.New("step retry attempts exhausted")

	// ErrDeadlineExceeded means the step's wall-clock budget ran out.
	ErrDeadlineExceeded = errors.New("step deadline exceeded")
)

// OutcomeKind tags the result of one step attempt.
type OutcomeKind int

// Attempt outcomes. Retry asks the runner to re-invoke after the policy
// delay; Fatal stops the step immediately.
const (
	KindDone OutcomeKind = iota
	KindRetry
	KindFatal
)

// Outcome is the explicit result of one attempt. Value is only meaningful
// for KindDone, Reason for KindRetry, Err for KindFatal.
type Outcome struct {
	Kind   OutcomeKind
	Value  []byte
	Reason string
	Err    error
}

// Done marks the attempt successful with a checkpointable value.
func Done(value []byte) Outcome {
	return Outcome{Kind: KindDone, Value: value}
}

// Retry asks for another attempt after the policy delay.
func Retry(reason string) Outcome {
	return Outcome{Kind: KindRetry, Reason: reason}
}

// Fatal stops the step with a terminal error.
func Fatal(err error) Outcome {
	return Outcome{Kind: KindFatal, Err: err}
}

// RetryPolicy bounds a step's attempts. Limit is the total attempt count;
// Delay is the wait before the second attempt; Backoff multiplies the wait
// for each further attempt (1.0 keeps it flat).
type RetryPolicy struct {
	Limit   int
	Delay   time.Duration
	Backoff float64
}

// Wait returns the delay before attempt+1, capped at one hour.
func (p RetryPolicy) Wait(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	factor := p.Backoff
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Delay) * math.Pow(factor, float64(attempt))
	if max := float64(time.Hour); d > max {
		d = max
	}
	return time.Duration(d)
}
