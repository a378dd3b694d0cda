package pipeline

import "errors"

// Error taxonomy shared across the pipeline. Callers classify failures with
// errors.Is; everything transient drives a retry through the step runner
// rather than surfacing here.
var (
	// ErrProviderRejected marks a 4xx submission: the input is bad and
	// retrying without changing it is pointless.
	ErrProviderRejected = errors.New("provider rejected submission")

	// ErrProviderUnavailable marks a network failure or 5xx: safe to retry
	// with backoff.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderFailed means the provider reported the job itself failed.
	ErrProviderFailed = errors.New("provider job failed")

	// ErrDecodeFailure means no decoder fallback produced a single record.
	// Terminal for the batch that carried the payload, never for siblings.
	ErrDecodeFailure = errors.New("payload could not be decoded")

	// ErrPersistenceFailure marks a partial write: the primary row landed
	// but a dependent write did not, so the enriched flag stays unset.
	ErrPersistenceFailure = errors.New("persistence incomplete")

	// ErrSecurityRejected marks a webhook callback that failed secret or
	// bearer validation. Always a hard 401, never retried.
	ErrSecurityRejected = errors.New("webhook authentication rejected")

	// ErrTimedOut means the global completion deadline or attempt budget
	// was exceeded. Distinct from ErrProviderFailed for alerting.
	ErrTimedOut = errors.New("completion deadline exceeded")

	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")
)
