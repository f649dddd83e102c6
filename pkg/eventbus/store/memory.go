package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory event store for testing and single-process use.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	closed  bool
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	if err := prepare(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	// Copy to avoid retaining the caller's record
	stored := *rec
	stored.Envelope = rec.Envelope.Clone()
	stored.Attempts = append(stored.Attempts[:0:0], rec.Attempts...)
	m.records = append(m.records, &stored)
	return nil
}

// Range implements Store.
func (m *MemoryStore) Range(_ context.Context, q Query) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := []*Record{}
	for _, rec := range m.records {
		if !q.Match(rec) {
			continue
		}
		c := *rec
		c.Envelope = rec.Envelope.Clone()
		out = append(out, &c)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := m.records[:0]
	for _, rec := range m.records {
		if _, ok := drop[rec.ID]; !ok {
			kept = append(kept, rec)
		}
	}
	clear(m.records[len(kept):])
	m.records = kept
	return nil
}

// Purge implements Store.
func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	kept := m.records[:0]
	for _, rec := range m.records {
		if rec.ExpiresAt.After(now) {
			kept = append(kept, rec)
		}
	}
	removed := len(m.records) - len(kept)
	clear(m.records[len(kept):])
	m.records = kept
	return removed, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}
