package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openlistings/harvester/internal/pipeline"
)

// RegistrationStore keeps webhook registrations in-memory.
type RegistrationStore struct {
	mu   sync.RWMutex
	regs map[string]pipeline.Registration
}

// NewRegistrationStore creates an empty RegistrationStore.
func NewRegistrationStore() *RegistrationStore {
	return &RegistrationStore{regs: make(map[string]pipeline.Registration)}
}

// CreateRegistration stores a registration. A provider handle maps to
// exactly one registration.
func (s *RegistrationStore) CreateRegistration(_ context.Context, reg pipeline.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[reg.Handle]; ok {
		return fmt.Errorf("registration for %s already exists", reg.Handle)
	}
	s.regs[reg.Handle] = reg
	return nil
}

// GetRegistration returns the registration or ErrNotFound.
func (s *RegistrationStore) GetRegistration(_ context.Context, handle string) (pipeline.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[handle]
	if !ok {
		return pipeline.Registration{}, fmt.Errorf("registration %s: %w", handle, pipeline.ErrNotFound)
	}
	return reg, nil
}

// MarkDelivered appends webhook delivery state to a registration.
func (s *RegistrationStore) MarkDelivered(_ context.Context, handle string, status pipeline.SubmissionStatus, errText, payloadPath string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[handle]
	if !ok {
		return fmt.Errorf("registration %s: %w", handle, pipeline.ErrNotFound)
	}
	reg.DeliveredStatus = status
	reg.DeliveredError = errText
	if payloadPath != "" {
		reg.PayloadPath = payloadPath
	}
	reg.DeliveredAt = &at
	s.regs[handle] = reg
	return nil
}

// DeleteRegistration removes the registration for handle.
func (s *RegistrationStore) DeleteRegistration(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[handle]; !ok {
		return fmt.Errorf("registration %s: %w", handle, pipeline.ErrNotFound)
	}
	delete(s.regs, handle)
	return nil
}
