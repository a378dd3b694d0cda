package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// WriterConfig controls identifier and nested-collection extraction.
type WriterConfig struct {
	// IDKey names the identifier field inside a raw record.
	IDKey string
	// NestedKeys name the attribute fields holding nested collections that
	// enrichment records carry (history entries, related sub-records).
	NestedKeys []string
}

// Writer persists decoded records into the relational store, enforcing the
// write-ordering invariant for enrichment records: primary row first, every
// nested collection second, the enriched flag last. If any nested write
// fails the flag stays unset so a later run retries the enrichment; that is
// the only durability guarantee across the two stores.
type Writer struct {
	records RecordStore
	cfg     WriterConfig
	logger  *zap.Logger
}

// NewWriter builds a Writer.
func NewWriter(records RecordStore, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.IDKey == "" {
		cfg.IDKey = "id"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{records: records, cfg: cfg, logger: logger}
}

// PersistSummary tallies one batch's persistence results.
type PersistSummary struct {
	Stored int
	Errors int
}

// PersistBatch writes each record independently: one rejected or
// partially-written record never blocks the rest of the batch.
func (w *Writer) PersistBatch(ctx context.Context, raws []map[string]any, enrich bool) PersistSummary {
	var summary PersistSummary
	for _, raw := range raws {
		if err := w.Persist(ctx, raw, enrich); err != nil {
			summary.Errors++
			w.logger.Warn("record persistence failed", zap.Error(err))
			continue
		}
		summary.Stored++
	}
	return summary
}

// Persist writes one raw record. Safe to re-execute: every write is a keyed
// upsert or wholesale replacement by canonical identifier.
func (w *Writer) Persist(ctx context.Context, raw map[string]any, enrich bool) error {
	id, err := NormalizeIdentifier(raw[w.cfg.IDKey])
	if err != nil {
		return fmt.Errorf("normalize %q: %w", w.cfg.IDKey, err)
	}

	if err := w.records.UpsertRecord(ctx, Record{ID: id, Attrs: raw}); err != nil {
		return fmt.Errorf("upsert record %s: %w", id, err)
	}
	if !enrich {
		return nil
	}

	for _, key := range w.cfg.NestedKeys {
		items, present := nestedItems(raw, key)
		if !present {
			continue
		}
		if err := w.records.ReplaceNested(ctx, key, id, items); err != nil {
			return fmt.Errorf("replace %s for %s: %w: %w", key, id, ErrPersistenceFailure, err)
		}
	}
	if err := w.records.SetEnriched(ctx, id); err != nil {
		return fmt.Errorf("set enriched flag for %s: %w: %w", id, ErrPersistenceFailure, err)
	}
	return nil
}

// nestedItems extracts a nested collection field as a slice of objects. An
// absent field means "leave prior versions alone"; a present field, even an
// empty list, replaces them wholesale.
func nestedItems(raw map[string]any, key string) ([]map[string]any, bool) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, false
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	items := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if obj, ok := el.(map[string]any); ok {
			items = append(items, obj)
		}
	}
	return items, true
}
