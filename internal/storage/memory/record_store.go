package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/openlistings/harvester/internal/pipeline"
)

type storedRecord struct {
	attrs     map[string]any
	enriched  bool
	nested    map[string][]map[string]any
	insertSeq int
}

// RecordStore keeps records in-memory with the same upsert and
// enriched-flag semantics as the Postgres store.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*storedRecord
	seq     int
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*storedRecord)}
}

// UpsertRecord writes the primary row, last-write-wins on attributes. The
// enriched flag is never touched.
func (s *RecordStore) UpsertRecord(_ context.Context, rec pipeline.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.ID]
	if !ok {
		s.seq++
		s.records[rec.ID] = &storedRecord{
			attrs:     rec.Attrs,
			nested:    make(map[string][]map[string]any),
			insertSeq: s.seq,
		}
		return nil
	}
	existing.attrs = rec.Attrs
	return nil
}

// ReplaceNested replaces one nested collection wholesale.
func (s *RecordStore) ReplaceNested(_ context.Context, kind, id string, items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, pipeline.ErrNotFound)
	}
	rec.nested[kind] = append([]map[string]any(nil), items...)
	return nil
}

// SetEnriched flips the enriched flag.
func (s *RecordStore) SetEnriched(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, pipeline.ErrNotFound)
	}
	rec.enriched = true
	return nil
}

// ListUnenriched returns identifiers awaiting enrichment, oldest first.
func (s *RecordStore) ListUnenriched(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		id  string
		seq int
	}
	var entries []entry
	for id, rec := range s.records {
		if !rec.enriched {
			entries = append(entries, entry{id: id, seq: rec.insertSeq})
		}
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].seq < entries[i].seq {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, e.id)
	}
	return ids, nil
}

// Record returns a stored record and whether it exists (test helper).
func (s *RecordStore) Record(id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.attrs, true
}

// Enriched reports the enriched flag for id (test helper).
func (s *RecordStore) Enriched(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return ok && rec.enriched
}

// Nested returns a nested collection for id (test helper).
func (s *RecordStore) Nested(id, kind string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	return rec.nested[kind]
}
