// Package progress defines the event stream emitted by the ingestion
// pipeline and the hub that fans it out to observability sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart        Stage = "RUN_START"
	StageRunDone         Stage = "RUN_DONE"
	StageRunError        Stage = "RUN_ERROR"
	StageRunCancelled    Stage = "RUN_CANCELLED"
	StageBatchDone       Stage = "BATCH_DONE"
	StageBatchError      Stage = "BATCH_ERROR"
	StageRecordsIngested Stage = "RECORDS_INGESTED"
	StageDecodeFailure   Stage = "DECODE_FAILURE"
	StageWebhookRejected Stage = "WEBHOOK_REJECTED"
)

// Event captures a single pipeline milestone.
type Event struct {
	// RunID identifies the tracked run; empty only for webhook rejections,
	// which may arrive for runs that already expired.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Kind scopes run events to discovery or enrichment.
	Kind string
	// Batch is the batch index for batch-scoped events.
	Batch int
	// Records counts records stored within the event's scope.
	Records int64
	// Errors counts per-record or per-line failures within the event's scope.
	Errors int64
	// Dur captures run duration for terminal run events.
	Dur time.Duration
	// Note carries low-volume context such as error text or handles.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageWebhookRejected:
	case StageRunStart, StageRunDone, StageRunError, StageRunCancelled,
		StageBatchDone, StageBatchError, StageRecordsIngested, StageDecodeFailure:
		if e.RunID == "" {
			return fmt.Errorf("stage %s requires run id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
