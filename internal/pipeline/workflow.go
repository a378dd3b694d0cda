package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/step"
)

// OrchestratorConfig controls run execution.
type OrchestratorConfig struct {
	// BatchSize bounds one provider submission (default 10).
	BatchSize int
	// Mode selects poll or webhook completion detection.
	Mode CompletionMode
	// Source labels blob paths with the provider name.
	Source string
	// ContentType for blob writes.
	ContentType string
	// Topic receives run completion events; empty disables publishing.
	Topic string
	// WebhookBaseURL is the public base for callback URLs. Webhook mode is
	// silently downgraded to polling when it is empty.
	WebhookBaseURL string
	// SubmitAttempts and SubmitDelay bound submission retries against a
	// temporarily unavailable provider.
	SubmitAttempts int
	SubmitDelay    time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Mode == "" || (c.Mode == ModeWebhook && c.WebhookBaseURL == "") {
		c.Mode = ModePoll
	}
	if c.Source == "" {
		c.Source = "provider"
	}
	if c.ContentType == "" {
		c.ContentType = "application/json"
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 3
	}
	if c.SubmitDelay <= 0 {
		c.SubmitDelay = 10 * time.Second
	}
	return c
}

// Orchestrator drives a run end to end: batching, submission, completion
// detection, decoding, and persistence, all expressed as durable steps so a
// restarted process resumes rather than resubmits.
type Orchestrator struct {
	provider ProviderClient
	detector *Detector
	decoder  *Decoder
	writer   *Writer
	tracker  *Tracker
	coord    *Coordinator
	blobs    BlobStore
	regs     RegistrationStore
	runner   *step.Runner
	pub      Publisher
	idgen    IDGenerator
	clock    Clock
	logger   *zap.Logger
	cfg      OrchestratorConfig
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(
	provider ProviderClient,
	detector *Detector,
	decoder *Decoder,
	writer *Writer,
	tracker *Tracker,
	blobs BlobStore,
	regs RegistrationStore,
	runner *step.Runner,
	pub Publisher,
	idgen IDGenerator,
	clock Clock,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		provider: provider,
		detector: detector,
		decoder:  decoder,
		writer:   writer,
		tracker:  tracker,
		coord:    NewCoordinator(logger),
		blobs:    blobs,
		regs:     regs,
		runner:   runner,
		pub:      pub,
		idgen:    idgen,
		clock:    clock,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// NewRun registers a queued run for the given kind.
func (o *Orchestrator) NewRun(ctx context.Context, kind RunKind, params map[string]any, parentID string) (Run, error) {
	id, err := o.idgen.NewID()
	if err != nil {
		return Run{}, fmt.Errorf("generate run id: %w", err)
	}
	run := Run{
		ID:        id,
		Kind:      kind,
		Status:    RunQueued,
		Params:    params,
		ParentID:  parentID,
		CreatedAt: o.clock.Now(),
	}
	if err := o.tracker.Create(ctx, run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Execute drives the run over its work items and always records a terminal
// status. Re-executing after a crash is safe: every provider interaction is
// checkpointed and every write is idempotent.
func (o *Orchestrator) Execute(ctx context.Context, run Run, items []Item) error {
	if err := o.tracker.Start(ctx, run); err != nil {
		return err
	}
	startedAt := o.clock.Now()
	run.StartedAt = &startedAt

	if len(items) == 0 {
		msg := "no work items to submit"
		if err := o.tracker.Fail(ctx, run, msg); err != nil {
			o.logger.Error("record run failure", zap.String("run_id", run.ID), zap.Error(err))
		}
		return errors.New(msg)
	}

	if err := o.tracker.ApplyMetrics(ctx, run, "requested", RunCounts{Requested: len(items)}); err != nil {
		o.logger.Warn("apply requested metrics", zap.String("run_id", run.ID), zap.Error(err))
	}

	outcomes := o.coord.Run(ctx, items, o.cfg.BatchSize, func(ctx context.Context, batch Batch) (BatchResult, error) {
		return o.processBatch(ctx, run, batch)
	})

	return o.settle(ctx, run, outcomes)
}

func (o *Orchestrator) settle(ctx context.Context, run Run, outcomes []BatchOutcome) error {
	succeeded := 0
	firstErr := ""
	for _, outcome := range outcomes {
		o.tracker.BatchResolved(run, outcome)
		key := fmt.Sprintf("batch-%02d", outcome.Index)
		delta := RunCounts{
			Processed: outcome.Stored,
			Errors:    outcome.Errors,
			Skipped:   outcome.Skipped,
		}
		if outcome.Err != "" {
			delta.Errors = outcome.Size
			if firstErr == "" {
				firstErr = outcome.Err
			}
		} else {
			succeeded++
		}
		if err := o.tracker.ApplyMetrics(ctx, run, key, delta); err != nil {
			o.logger.Warn("apply batch metrics", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	var finishErr error
	var terminal RunStatus
	switch {
	case ctx.Err() != nil:
		terminal = RunCancelled
		finishErr = o.tracker.Cancel(ctx, run, "run cancelled")
	case succeeded == 0:
		terminal = RunFailed
		if firstErr == "" {
			firstErr = "all batches failed"
		}
		finishErr = o.tracker.Fail(ctx, run, firstErr)
	default:
		terminal = RunCompleted
		finishErr = o.tracker.Complete(ctx, run)
	}
	if finishErr != nil {
		return finishErr
	}
	o.publishCompletion(run, terminal, outcomes)
	if terminal == RunFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, firstErr)
	}
	return nil
}

type completionEvent struct {
	RunID    string    `json:"run_id"`
	Kind     RunKind   `json:"kind"`
	Status   RunStatus `json:"status"`
	Batches  int       `json:"batches"`
	Stored   int       `json:"stored"`
	Errors   int       `json:"errors"`
	Finished time.Time `json:"finished_at"`
}

func (o *Orchestrator) publishCompletion(run Run, status RunStatus, outcomes []BatchOutcome) {
	if o.pub == nil || o.cfg.Topic == "" {
		return
	}
	evt := completionEvent{
		RunID:    run.ID,
		Kind:     run.Kind,
		Status:   status,
		Batches:  len(outcomes),
		Finished: o.clock.Now(),
	}
	for _, outcome := range outcomes {
		evt.Stored += outcome.Stored
		evt.Errors += outcome.Errors
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.pub.Publish(ctx, o.cfg.Topic, evt); err != nil {
		o.logger.Warn("publish run completion", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) processBatch(ctx context.Context, run Run, batch Batch) (BatchResult, error) {
	sub, err := o.submitBatch(ctx, run, batch)
	if err != nil {
		return BatchResult{}, err
	}
	if err := o.tracker.AppendHandle(ctx, run, sub.Handle); err != nil {
		o.logger.Warn("append handle", zap.String("run_id", run.ID), zap.Error(err))
	}

	res, err := o.detector.Resolve(ctx, o.runner, run.ID, sub)
	if err != nil {
		return BatchResult{}, err
	}

	payload, err := o.fetchPayload(ctx, run, batch.Index, sub, res)
	if err != nil {
		return BatchResult{}, err
	}
	o.mirrorPayload(ctx, run, batch.Index, sub.Handle, payload)

	dec, err := o.decoder.Decode(payload)
	if err != nil {
		o.tracker.DecodeFailed(run, batch.Index)
		return BatchResult{}, err
	}

	summary := o.writer.PersistBatch(ctx, dec.Records, run.Kind == KindEnrichment)
	o.cleanupRegistration(ctx, sub)

	skipped := 0
	if run.Kind == KindEnrichment && len(batch.Items) > len(dec.Records) {
		skipped = len(batch.Items) - len(dec.Records)
	}
	return BatchResult{
		Handle:  sub.Handle,
		Stored:  summary.Stored,
		Errors:  summary.Errors + dec.Skipped,
		Skipped: skipped,
	}, nil
}

func (o *Orchestrator) submitBatch(ctx context.Context, run Run, batch Batch) (Submission, error) {
	name := fmt.Sprintf("submit-b%02d", batch.Index)
	policy := step.RetryPolicy{Limit: o.cfg.SubmitAttempts, Delay: o.cfg.SubmitDelay, Backoff: 2}
	jobID := fmt.Sprintf("%s-b%02d", run.ID, batch.Index)

	value, err := o.runner.Run(ctx, run.ID, name, policy, 0, func(ctx context.Context, _ int) step.Outcome {
		hook, secret, err := o.webhookConfig()
		if err != nil {
			return step.Fatal(err)
		}
		handle, err := o.provider.Submit(ctx, batch.Items, hook)
		if err != nil {
			if errors.Is(err, ErrProviderUnavailable) {
				return step.Retry("provider unavailable")
			}
			return step.Fatal(err)
		}
		sub := Submission{
			JobID:       jobID,
			Handle:      handle,
			Mode:        o.cfg.Mode,
			Secret:      secret,
			SubmittedAt: o.clock.Now(),
		}
		if hook != nil {
			reg := Registration{
				Handle:    handle,
				RunID:     run.ID,
				JobID:     jobID,
				Secret:    secret,
				CreatedAt: o.clock.Now(),
			}
			if err := o.regs.CreateRegistration(ctx, reg); err != nil {
				return step.Fatal(fmt.Errorf("register webhook for %s: %w", handle, err))
			}
		}
		encoded, err := json.Marshal(sub)
		if err != nil {
			return step.Fatal(fmt.Errorf("encode submission: %w", err))
		}
		return step.Done(encoded)
	})
	if err != nil {
		if errors.Is(err, step.ErrAttemptsExhausted) {
			return Submission{}, fmt.Errorf("submit batch %d: %w", batch.Index, ErrProviderUnavailable)
		}
		return Submission{}, err
	}
	var sub Submission
	if err := json.Unmarshal(value, &sub); err != nil {
		return Submission{}, fmt.Errorf("decode submission checkpoint: %w", err)
	}
	return sub, nil
}

func (o *Orchestrator) webhookConfig() (*WebhookConfig, string, error) {
	if o.cfg.Mode != ModeWebhook {
		return nil, "", nil
	}
	secret, err := o.idgen.NewID()
	if err != nil {
		return nil, "", fmt.Errorf("generate webhook secret: %w", err)
	}
	escaped := url.QueryEscape(secret)
	return &WebhookConfig{
		NotifyURL: o.cfg.WebhookBaseURL + "/webhooks/notify?secret=" + escaped,
		DataURL:   o.cfg.WebhookBaseURL + "/webhooks/endpoint?secret=" + escaped,
		Secret:    secret,
	}, secret, nil
}

// fetchPayload retrieves the result exactly once per submission: from the
// blob store when a webhook already delivered it, from the provider
// otherwise. The checkpoint makes the "exactly once" hold across restarts.
func (o *Orchestrator) fetchPayload(ctx context.Context, run Run, batchIndex int, sub Submission, res Resolution) ([]byte, error) {
	name := fmt.Sprintf("fetch-b%02d", batchIndex)
	policy := step.RetryPolicy{Limit: o.cfg.SubmitAttempts, Delay: o.cfg.SubmitDelay, Backoff: 2}

	return o.runner.Run(ctx, run.ID, name, policy, 0, func(ctx context.Context, _ int) step.Outcome {
		if res.PayloadPath != "" {
			payload, err := o.blobs.Get(ctx, res.PayloadPath)
			if err != nil {
				return step.Retry(fmt.Sprintf("read delivered payload: %v", err))
			}
			return step.Done(payload)
		}
		payload, err := o.provider.FetchResult(ctx, sub.Handle)
		if err != nil {
			if errors.Is(err, ErrProviderUnavailable) {
				return step.Retry("provider unavailable")
			}
			return step.Fatal(err)
		}
		return step.Done(payload)
	})
}

// mirrorPayload writes the raw batch payload as a recovery/audit artifact.
// Best-effort: a blob failure never blocks the relational writes.
func (o *Orchestrator) mirrorPayload(ctx context.Context, run Run, batchIndex int, handle string, payload []byte) {
	path := BlobKey(string(run.Kind), o.cfg.Source, o.clock.Now(), handle)
	if _, err := o.blobs.Put(ctx, path, o.cfg.ContentType, payload); err != nil {
		o.logger.Warn("raw payload mirror failed",
			zap.String("run_id", run.ID),
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	key := fmt.Sprintf("mirror-b%02d", batchIndex)
	delta := RunCounts{BytesWritten: int64(len(payload)), FilesWritten: 1}
	if err := o.tracker.ApplyMetrics(ctx, run, key, delta); err != nil {
		o.logger.Warn("apply mirror metrics", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) cleanupRegistration(ctx context.Context, sub Submission) {
	if sub.Mode != ModeWebhook {
		return
	}
	if err := o.regs.DeleteRegistration(ctx, sub.Handle); err != nil && !errors.Is(err, ErrNotFound) {
		o.logger.Warn("delete webhook registration", zap.String("handle", sub.Handle), zap.Error(err))
	}
}
