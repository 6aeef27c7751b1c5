package quarantine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a thread-safe in-memory Store, grounded on the teacher's
// InMemoryDLQStore shape: a map guarded by a RWMutex, copy-on-read/write to
// prevent external mutation of stored records.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) Add(_ context.Context, record *Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.records[cp.ID] = &cp
	return cp.ID, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) GetHighPriority(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for _, rec := range s.records {
		if !rec.Handled && rec.Priority == PriorityHigh {
			cp := *rec
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].FailedAt.Before(results[j].FailedAt)
	})
	return results, nil
}

func (s *InMemoryStore) GetAllActive(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for _, rec := range s.records {
		if !rec.Handled {
			cp := *rec
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].FailedAt.Before(results[j].FailedAt)
	})
	return results, nil
}

func (s *InMemoryStore) MarkHandled(_ context.Context, id string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.Handled = true
	rec.ProcessedAt = &now
	rec.ProcessorNote = note
	return nil
}

func (s *InMemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, rec := range s.records {
		if rec.Handled {
			stats.TotalProcessed++
			continue
		}
		stats.TotalActive++
		if rec.Priority == PriorityHigh {
			stats.HighPriority++
		}
		if stats.OldestFailure == nil || rec.FailedAt.Before(*stats.OldestFailure) {
			failedAt := rec.FailedAt
			stats.OldestFailure = &failedAt
		}
	}
	return stats, nil
}

var _ Store = (*InMemoryStore)(nil)
