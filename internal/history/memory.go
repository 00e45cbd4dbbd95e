package history

import (
	"context"
	"sync"

	"github.com/niganuga/flow-editor-sub001/internal/model"
)

// MemoryStore is a capped, non-persistent Store. Appends take the write lock
// only for the append itself; pruning is amortized by trimming to 90% of the
// cap whenever the cap is exceeded.
type MemoryStore struct {
	mu         sync.RWMutex
	records    []model.HistoryRecord
	maxRecords int
}

// NewMemoryStore creates a store holding at most maxRecords records
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &MemoryStore{maxRecords: maxRecords}
}

// Record appends a record, pruning the oldest when over capacity
func (s *MemoryStore) Record(ctx context.Context, rec model.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.append(stamp(rec))
	return nil
}

func (s *MemoryStore) append(rec model.HistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.maxRecords > 0 && len(s.records) > s.maxRecords {
		keep := s.maxRecords * 9 / 10
		trimmed := make([]model.HistoryRecord, keep, s.maxRecords)
		copy(trimmed, s.records[len(s.records)-keep:])
		s.records = trimmed
	}
}

// FindSimilar returns the k nearest records for toolName
func (s *MemoryStore) FindSimilar(ctx context.Context, toolName string, vector []float32, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nearest(s.records, toolName, vector, k), nil
}

// Len returns the number of records held
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Retained returns the subset of ids still held
func (s *MemoryStore) Retained(ids []string) map[string]bool {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = false
	}
	out := make(map[string]bool, len(ids))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if _, ok := want[rec.ID]; ok {
			out[rec.ID] = true
		}
	}
	return out
}

// Snapshot returns a copy of all records, oldest first
func (s *MemoryStore) Snapshot() []model.HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.HistoryRecord(nil), s.records...)
}

// dropOldest removes the n oldest records
func (s *MemoryStore) dropOldest(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.records) {
		s.records = nil
		return
	}
	s.records = append([]model.HistoryRecord(nil), s.records[n:]...)
}
