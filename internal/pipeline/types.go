// Package pipeline defines the core types and components of the snapshot
// ingestion pipeline: submission tracking, completion detection, payload
// decoding, batch coordination, and dual-store persistence.
package pipeline

import (
	"fmt"
	"time"
)

// SubmissionStatus is the canonical provider job status. The provider spells
// completion three ways ("ready", "completed", "complete"); CanonicalStatus
// folds all of them into StatusReady.
type SubmissionStatus string

// Canonical submission statuses.
const (
	StatusPending SubmissionStatus = "pending"
	StatusRunning SubmissionStatus = "running"
	StatusReady   SubmissionStatus = "ready"
	StatusFailed  SubmissionStatus = "failed"
)

// CanonicalStatus maps a raw provider status string to its canonical form.
// The second return is false for statuses the provider has never documented.
func CanonicalStatus(raw string) (SubmissionStatus, bool) {
	switch raw {
	case "ready", "completed", "complete", "done":
		return StatusReady, true
	case "pending", "scheduled":
		return StatusPending, true
	case "running", "in_progress", "building", "collecting":
		return StatusRunning, true
	case "failed", "error":
		return StatusFailed, true
	default:
		return StatusRunning, false
	}
}

// CompletionMode selects how a submission resolves: active polling or
// webhook push with a long-interval poll as safety net.
type CompletionMode string

// Completion modes.
const (
	ModePoll    CompletionMode = "poll"
	ModeWebhook CompletionMode = "webhook"
)

// Item is one opaque unit of work sent to the provider: a discovery query or
// an identifier to enrich.
type Item map[string]any

// Submission is one job handed to the provider. Immutable once the provider
// handle is assigned; only webhook delivery state is appended later, via the
// Registration keyed by Handle.
type Submission struct {
	JobID       string         `json:"job_id"`
	Handle      string         `json:"handle"`
	Mode        CompletionMode `json:"mode"`
	Secret      string         `json:"secret,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Signal is a transient completion signal: one poll response or one webhook
// callback for a provider handle.
type Signal struct {
	Handle      string
	Status      SubmissionStatus
	Error       string
	PayloadPath string
}

// WebhookConfig carries the caller-constructed callback URLs and the
// per-submission secret embedded into a webhook-mode submission.
type WebhookConfig struct {
	NotifyURL string
	DataURL   string
	Secret    string
}

// Registration maps a provider handle to the run that submitted it and the
// secret every inbound callback must present. Delivery fields are written by
// the security gate when a callback is accepted.
type Registration struct {
	Handle          string
	RunID           string
	JobID           string
	Secret          string
	CreatedAt       time.Time
	DeliveredStatus SubmissionStatus
	DeliveredError  string
	PayloadPath     string
	DeliveredAt     *time.Time
}

// Batch is an ordered chunk of work items processed as one provider
// submission.
type Batch struct {
	Index int
	Items []Item
}

// BatchResult is what a successful batch processing function reports back.
type BatchResult struct {
	Handle  string
	Stored  int
	Errors  int
	Skipped int
}

// BatchOutcome records how one batch resolved. Written exactly once per
// batch; a failed batch carries Err and zero stored records.
type BatchOutcome struct {
	Index   int
	Size    int
	Handle  string
	Stored  int
	Errors  int
	Skipped int
	Err     string
}

// Record is one decoded unit of output data. ID is always the canonical
// identifier form; Attrs is the opaque attribute bag, nested collections
// included.
type Record struct {
	ID    string
	Attrs map[string]any
}

// RunKind distinguishes the two orchestrated job kinds.
type RunKind string

// Run kinds.
const (
	KindDiscovery  RunKind = "discovery"
	KindEnrichment RunKind = "enrichment"
)

// RunStatus is the lifecycle state of a tracked run. Transitions are
// monotonic; a completed or failed run is never resurrected.
type RunStatus string

// Run statuses.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunCounts aggregates per-run metrics. Counts are merged additively by the
// run store, keyed per step so a replayed step never double-counts.
type RunCounts struct {
	Requested    int   `json:"requested"`
	Processed    int   `json:"processed"`
	Errors       int   `json:"errors"`
	Skipped      int   `json:"skipped"`
	BytesWritten int64 `json:"bytes_written"`
	FilesWritten int   `json:"files_written"`
}

// Run is the top-level tracked execution.
type Run struct {
	ID         string         `json:"id"`
	Kind       RunKind        `json:"kind"`
	Status     RunStatus      `json:"status"`
	Params     map[string]any `json:"params,omitempty"`
	ErrorText  string         `json:"error_text,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Counts     RunCounts      `json:"counts"`
	Handles    []string       `json:"handles,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// BlobKey builds the blob store path for a payload artifact, following the
// {kind}/{source}/{timestamp}-{handle}.json convention.
func BlobKey(kind, source string, ts time.Time, handle string) string {
	return fmt.Sprintf("%s/%s/%s-%s.json", kind, source, ts.UTC().Format("20060102T150405Z"), handle)
}
