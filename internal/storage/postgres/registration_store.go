package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openlistings/harvester/internal/pipeline"
)

// RegistrationStore persists webhook registrations.
type RegistrationStore struct {
	pool db
}

// NewRegistrationStore wraps a pool (or a mock) as a RegistrationStore.
func NewRegistrationStore(pool db) (*RegistrationStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RegistrationStore{pool: pool}, nil
}

// CreateRegistration stores a registration. A provider handle maps to
// exactly one registration, so a duplicate insert fails outright.
func (s *RegistrationStore) CreateRegistration(ctx context.Context, reg pipeline.Registration) error {
	query := `
INSERT INTO webhook_registrations (handle, run_id, job_id, secret, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query,
		reg.Handle, reg.RunID, reg.JobID, reg.Secret, reg.CreatedAt); err != nil {
		return fmt.Errorf("insert registration %s: %w", reg.Handle, err)
	}
	return nil
}

// GetRegistration returns the registration or pipeline.ErrNotFound.
func (s *RegistrationStore) GetRegistration(ctx context.Context, handle string) (pipeline.Registration, error) {
	query := `
SELECT handle, run_id, job_id, secret, delivered_status, delivered_error, payload_path, created_at, delivered_at
FROM webhook_registrations WHERE handle = $1`
	var (
		reg    pipeline.Registration
		status string
	)
	err := s.pool.QueryRow(ctx, query, handle).Scan(
		&reg.Handle, &reg.RunID, &reg.JobID, &reg.Secret,
		&status, &reg.DeliveredError, &reg.PayloadPath, &reg.CreatedAt, &reg.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Registration{}, fmt.Errorf("registration %s: %w", handle, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Registration{}, fmt.Errorf("get registration %s: %w", handle, err)
	}
	reg.DeliveredStatus = pipeline.SubmissionStatus(status)
	return reg, nil
}

// MarkDelivered appends webhook delivery state to a registration. An empty
// payloadPath never clears a path written by an earlier data callback.
func (s *RegistrationStore) MarkDelivered(ctx context.Context, handle string, status pipeline.SubmissionStatus, errText, payloadPath string, at time.Time) error {
	query := `
UPDATE webhook_registrations
SET delivered_status = $2,
    delivered_error = $3,
    payload_path = CASE WHEN $4 = '' THEN payload_path ELSE $4 END,
    delivered_at = $5
WHERE handle = $1`
	tag, err := s.pool.Exec(ctx, query, handle, string(status), errText, payloadPath, at)
	if err != nil {
		return fmt.Errorf("mark registration %s delivered: %w", handle, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registration %s: %w", handle, pipeline.ErrNotFound)
	}
	return nil
}

// DeleteRegistration removes the registration for handle.
func (s *RegistrationStore) DeleteRegistration(ctx context.Context, handle string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_registrations WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("delete registration %s: %w", handle, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registration %s: %w", handle, pipeline.ErrNotFound)
	}
	return nil
}
