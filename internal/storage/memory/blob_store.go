// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openlistings/harvester/internal/pipeline"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Put persists the content and returns a memory:// URI.
func (s *BlobStore) Put(_ context.Context, path, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Get returns the stored content for path.
func (s *BlobStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", path, pipeline.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// List returns all stored paths under prefix, sorted.
func (s *BlobStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for path := range s.data {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Delete removes the content at path.
func (s *BlobStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[path]; !ok {
		return fmt.Errorf("blob %s: %w", path, pipeline.ErrNotFound)
	}
	delete(s.data, path)
	return nil
}

// Len reports the number of stored blobs (test helper).
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
