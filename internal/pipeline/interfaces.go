package pipeline

import (
	"context"
	"time"
)

// ProviderClient submits jobs to the external snapshot provider and reads
// their status and results back.
type ProviderClient interface {
	Submit(ctx context.Context, items []Item, hook *WebhookConfig) (string, error)
	PollStatus(ctx context.Context, handle string) (Signal, error)
	FetchResult(ctx context.Context, handle string) ([]byte, error)
}

// RecordStore persists decoded records into the relational store. All keys
// are canonical identifiers.
type RecordStore interface {
	// UpsertRecord writes the primary row, last-write-wins on attributes.
	// It never touches the enriched flag.
	UpsertRecord(ctx context.Context, rec Record) error
	// ReplaceNested replaces one nested collection for an identifier
	// wholesale (delete-then-insert, not merge).
	ReplaceNested(ctx context.Context, kind, id string, items []map[string]any) error
	// SetEnriched flips the enriched flag. Only ever set, never cleared.
	SetEnriched(ctx context.Context, id string) error
	// ListUnenriched returns canonical identifiers still awaiting
	// enrichment, oldest first.
	ListUnenriched(ctx context.Context, limit int) ([]string, error)
}

// RunStore persists run rows and their aggregate metrics.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// MarkRunning moves queued -> running; a no-op for any other state.
	MarkRunning(ctx context.Context, runID string, at time.Time) error
	// MarkFinished moves queued/running -> a terminal status and computes
	// the duration from the stored started_at.
	MarkFinished(ctx context.Context, runID string, status RunStatus, errText string, at time.Time) error
	// ApplyMetrics merges a delta keyed by stepKey. Re-applying the same
	// stepKey is a no-op; the bool reports whether the delta was applied.
	ApplyMetrics(ctx context.Context, runID, stepKey string, delta RunCounts) (bool, error)
	// AppendHandle records a provider handle used by the run, once.
	AppendHandle(ctx context.Context, runID, handle string) error
	ListActive(ctx context.Context) ([]Run, error)
	ListRecent(ctx context.Context, limit int, kind RunKind, status RunStatus) ([]Run, error)
}

// RegistrationStore maps provider handles to webhook registrations.
type RegistrationStore interface {
	CreateRegistration(ctx context.Context, reg Registration) error
	// GetRegistration returns ErrNotFound for unknown handles.
	GetRegistration(ctx context.Context, handle string) (Registration, error)
	MarkDelivered(ctx context.Context, handle string, status SubmissionStatus, errText, payloadPath string, at time.Time) error
	DeleteRegistration(ctx context.Context, handle string) error
}

// BlobStore is the raw-payload mirror and quarantine target.
type BlobStore interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, path string) error
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run/job identifiers and webhook secrets.
type IDGenerator interface {
	NewID() (string, error)
}
