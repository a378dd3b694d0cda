package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/step"
)

// DetectorConfig bounds completion detection. Pure polling checks every
// PollInterval with exponential backoff; webhook mode degrades to a safety
// net poll at WebhookPollInterval because delivery is assumed, not
// guaranteed. Deadline bounds total wall-clock time per submission.
type DetectorConfig struct {
	PollInterval        time.Duration
	WebhookPollInterval time.Duration
	MaxPollAttempts     int
	MaxWebhookAttempts  int
	Backoff             float64
	Deadline            time.Duration
}

// DefaultDetectorConfig returns the recommended detection bounds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		PollInterval:        30 * time.Second,
		WebhookPollInterval: 5 * time.Minute,
		MaxPollAttempts:     24,
		MaxWebhookAttempts:  2,
		Backoff:             2,
		Deadline:            3 * time.Hour,
	}
}

// Resolution is the detector's terminal success state for one submission.
// PayloadPath is set when a webhook already delivered the result payload
// out-of-band, in which case fetching from the provider is skipped.
type Resolution struct {
	Handle      string `json:"handle"`
	PayloadPath string `json:"payload_path,omitempty"`
}

// Detector decides, per durable-step invocation, whether a submission is
// still in flight, ready, or dead. It consumes poll responses and
// out-of-band webhook delivery state written by the security gate.
type Detector struct {
	provider ProviderClient
	regs     RegistrationStore
	cfg      DetectorConfig
	logger   *zap.Logger
}

// NewDetector builds a Detector.
func NewDetector(provider ProviderClient, regs RegistrationStore, cfg DetectorConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultDetectorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WebhookPollInterval <= 0 {
		cfg.WebhookPollInterval = def.WebhookPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if cfg.MaxWebhookAttempts <= 0 {
		cfg.MaxWebhookAttempts = def.MaxWebhookAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	return &Detector{provider: provider, regs: regs, cfg: cfg, logger: logger}
}

// Policy returns the retry policy and wall-clock budget for the given
// completion mode.
func (d *Detector) Policy(mode CompletionMode) (step.RetryPolicy, time.Duration) {
	if mode == ModeWebhook {
		return step.RetryPolicy{
			Limit:   d.cfg.MaxWebhookAttempts,
			Delay:   d.cfg.WebhookPollInterval,
			Backoff: 1,
		}, d.cfg.Deadline
	}
	return step.RetryPolicy{
		Limit:   d.cfg.MaxPollAttempts,
		Delay:   d.cfg.PollInterval,
		Backoff: d.cfg.Backoff,
	}, d.cfg.Deadline
}

// Resolve drives the submission to a terminal state through the step
// runner. Exhausted attempts and blown deadlines surface as ErrTimedOut;
// a provider-reported failure surfaces as ErrProviderFailed.
func (d *Detector) Resolve(
	ctx context.Context,
	runner *step.Runner,
	runID string,
	sub Submission,
) (Resolution, error) {
	policy, deadline := d.Policy(sub.Mode)
	name := "detect-" + sub.JobID
	value, err := runner.Run(ctx, runID, name, policy, deadline, func(ctx context.Context, _ int) step.Outcome {
		return d.Check(ctx, sub)
	})
	if err != nil {
		if errors.Is(err, step.ErrAttemptsExhausted) || errors.Is(err, step.ErrDeadlineExceeded) {
			return Resolution{}, fmt.Errorf("submission %s: %w", sub.Handle, ErrTimedOut)
		}
		return Resolution{}, err
	}
	var res Resolution
	if err := json.Unmarshal(value, &res); err != nil {
		return Resolution{}, fmt.Errorf("decode resolution: %w", err)
	}
	return res, nil
}

// Check runs one detection attempt. Webhook-mode submissions consult the
// delivery state first and only fall through to a provider poll when no
// webhook has landed yet.
func (d *Detector) Check(ctx context.Context, sub Submission) step.Outcome {
	if sub.Mode == ModeWebhook {
		if out, decided := d.checkDelivery(ctx, sub); decided {
			return out
		}
	}
	return d.poll(ctx, sub)
}

func (d *Detector) checkDelivery(ctx context.Context, sub Submission) (step.Outcome, bool) {
	reg, err := d.regs.GetRegistration(ctx, sub.Handle)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn("webhook registration lookup failed",
				zap.String("handle", sub.Handle),
				zap.Error(err),
			)
		}
		return step.Outcome{}, false
	}
	switch reg.DeliveredStatus {
	case StatusReady:
		return d.ready(sub, reg.PayloadPath), true
	case StatusFailed:
		return step.Fatal(fmt.Errorf("%w: %s", ErrProviderFailed, reg.DeliveredError)), true
	default:
		return step.Outcome{}, false
	}
}

func (d *Detector) poll(ctx context.Context, sub Submission) step.Outcome {
	sig, err := d.provider.PollStatus(ctx, sub.Handle)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return step.Retry("provider unavailable")
		}
		return step.Fatal(err)
	}
	switch sig.Status {
	case StatusPending, StatusRunning:
		return step.Retry("still processing")
	case StatusReady:
		return d.readyAfterPoll(ctx, sub)
	case StatusFailed:
		return step.Fatal(fmt.Errorf("%w: %s", ErrProviderFailed, sig.Error))
	default:
		return step.Retry(fmt.Sprintf("unexpected status %q", sig.Status))
	}
}

// readyAfterPoll re-checks webhook delivery before committing a poll-driven
// resolution: a webhook that raced the poll and already delivered the
// payload is authoritative for where the payload lives.
func (d *Detector) readyAfterPoll(ctx context.Context, sub Submission) step.Outcome {
	if sub.Mode != ModeWebhook {
		return d.ready(sub, "")
	}
	reg, err := d.regs.GetRegistration(ctx, sub.Handle)
	if err == nil && reg.PayloadPath != "" {
		d.logger.Warn("poll and webhook both resolved ready; using webhook payload",
			zap.String("handle", sub.Handle),
			zap.String("payload_path", reg.PayloadPath),
		)
		return d.ready(sub, reg.PayloadPath)
	}
	return d.ready(sub, "")
}

func (d *Detector) ready(sub Submission, payloadPath string) step.Outcome {
	value, err := json.Marshal(Resolution{Handle: sub.Handle, PayloadPath: payloadPath})
	if err != nil {
		return step.Fatal(fmt.Errorf("encode resolution: %w", err))
	}
	return step.Done(value)
}
