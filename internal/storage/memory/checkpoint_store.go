package memory

import (
	"context"
	"sync"
)

// CheckpointStore keeps durable-step results in-memory. Suitable for tests
// and single-process development; production uses the Postgres store.
type CheckpointStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewCheckpointStore creates an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{values: make(map[string][]byte)}
}

// Load returns the committed value for (runID, name), if any.
func (s *CheckpointStore) Load(_ context.Context, runID, name string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[runID+"/"+name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Save commits the value for (runID, name).
func (s *CheckpointStore) Save(_ context.Context, runID, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[runID+"/"+name] = append([]byte(nil), value...)
	return nil
}
