// Package webhook validates inbound provider callbacks against per-job
// registrations before any payload reaches the ingestion path.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/pipeline"
	"github.com/openlistings/harvester/internal/progress"
)

// Notify is the status-push callback body.
type Notify struct {
	Handle   string  `json:"provider_handle"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Gate authenticates callbacks. The query secret must exactly match the
// stored registration for the provider handle; the data-delivery callback
// additionally requires a bearer header equal to the same secret, because it
// carries the higher-value payload. Callbacks for unknown handles are
// quarantined in the blob store rather than silently dropped, so late or
// duplicate deliveries for since-expired jobs are not lost.
type Gate struct {
	regs    pipeline.RegistrationStore
	blobs   pipeline.BlobStore
	clock   pipeline.Clock
	emitter progress.Emitter
	logger  *zap.Logger
}

// NewGate builds a Gate. emitter may be nil.
func NewGate(
	regs pipeline.RegistrationStore,
	blobs pipeline.BlobStore,
	clock pipeline.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{regs: regs, blobs: blobs, clock: clock, emitter: emitter, logger: logger}
}

// HandleNotify validates and applies a status-push callback. The query
// secret alone authenticates this callback kind.
func (g *Gate) HandleNotify(ctx context.Context, secret string, n Notify) error {
	if n.Handle == "" {
		return fmt.Errorf("%w: callback missing provider handle", pipeline.ErrSecurityRejected)
	}
	reg, err := g.lookup(ctx, n.Handle, func() []byte {
		quarantined, _ := json.Marshal(n)
		return quarantined
	})
	if err != nil {
		return err
	}
	if !secretsEqual(secret, reg.Secret) {
		return g.reject(n.Handle, "notify secret mismatch")
	}

	status, known := pipeline.CanonicalStatus(n.Status)
	if !known {
		g.logger.Warn("notify callback carried unknown status",
			zap.String("handle", n.Handle),
			zap.String("status", n.Status),
		)
	}
	if err := g.regs.MarkDelivered(ctx, n.Handle, status, n.Error, "", g.clock.Now()); err != nil {
		return fmt.Errorf("record notify delivery for %s: %w", n.Handle, err)
	}
	g.logger.Info("webhook status accepted",
		zap.String("handle", n.Handle),
		zap.String("status", string(status)),
	)
	return nil
}

// HandleData validates a data-delivery callback and stores its payload.
// Returns the blob path holding the delivered payload.
func (g *Gate) HandleData(ctx context.Context, secret, authHeader, handle string, payload []byte) (string, error) {
	if handle == "" {
		return "", fmt.Errorf("%w: callback missing provider handle", pipeline.ErrSecurityRejected)
	}
	reg, err := g.lookup(ctx, handle, func() []byte { return payload })
	if err != nil {
		return "", err
	}
	if !secretsEqual(secret, reg.Secret) {
		return "", g.reject(handle, "data secret mismatch")
	}
	if !bearerMatches(authHeader, reg.Secret) {
		return "", g.reject(handle, "data bearer mismatch")
	}

	path := pipeline.BlobKey("webhooks", "data", g.clock.Now(), handle)
	if _, err := g.blobs.Put(ctx, path, "application/json", payload); err != nil {
		return "", fmt.Errorf("store delivered payload for %s: %w", handle, err)
	}
	if err := g.regs.MarkDelivered(ctx, handle, pipeline.StatusReady, "", path, g.clock.Now()); err != nil {
		return "", fmt.Errorf("record data delivery for %s: %w", handle, err)
	}
	g.logger.Info("webhook payload accepted",
		zap.String("handle", handle),
		zap.String("path", path),
		zap.Int("bytes", len(payload)),
	)
	return path, nil
}

// lookup fetches the registration, quarantining the callback when no
// registration exists for the handle. Store failures are not rejections:
// the provider retries on 5xx, so an outage must not drop a delivery.
func (g *Gate) lookup(ctx context.Context, handle string, body func() []byte) (pipeline.Registration, error) {
	reg, err := g.regs.GetRegistration(ctx, handle)
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return pipeline.Registration{}, fmt.Errorf("registration lookup for %s: %w", handle, err)
	}
	g.quarantine(ctx, handle, body())
	return pipeline.Registration{}, g.reject(handle, "no registration for handle")
}

func (g *Gate) quarantine(ctx context.Context, handle string, payload []byte) {
	path := pipeline.BlobKey("quarantine", "webhooks", g.clock.Now(), handle)
	if _, err := g.blobs.Put(ctx, path, "application/json", payload); err != nil {
		g.logger.Error("quarantine write failed",
			zap.String("handle", handle),
			zap.Error(err),
		)
		return
	}
	g.logger.Warn("unsolicited callback quarantined",
		zap.String("handle", handle),
		zap.String("path", path),
	)
}

func (g *Gate) reject(handle, reason string) error {
	g.logger.Warn("webhook rejected",
		zap.String("handle", handle),
		zap.String("reason", reason),
	)
	if g.emitter != nil {
		g.emitter.Emit(progress.Event{
			TS:    g.clock.Now(),
			Stage: progress.StageWebhookRejected,
			Note:  reason,
		})
	}
	return fmt.Errorf("%w: %s", pipeline.ErrSecurityRejected, reason)
}

func secretsEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func bearerMatches(authHeader, secret string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	return secretsEqual(strings.TrimPrefix(authHeader, prefix), secret)
}
