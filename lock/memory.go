package lock

import (
	"context"
	"sync"
	"time"
)

// InMemoryManager implements Manager for tests and single-process
// deployments. It mirrors the owner-verified semantics of RedisManager
// without a network round trip.
type InMemoryManager struct {
	mu    sync.Mutex
	locks map[string]memEntry
}

type memEntry struct {
	owner     string
	expiresAt time.Time
}

// NewInMemoryManager creates an empty InMemoryManager.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{locks: make(map[string]memEntry)}
}

func (m *InMemoryManager) Acquire(_ context.Context, keys []string, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.expireLocked(now)

	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, held := m.locks[key]; held {
			m.releaseLocked(acquired, owner)
			return false, nil
		}
		m.locks[key] = memEntry{owner: owner, expiresAt: deadline(now, ttl)}
		acquired = append(acquired, key)
	}
	return true, nil
}

func (m *InMemoryManager) Release(_ context.Context, keys []string, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(keys, owner), nil
}

func (m *InMemoryManager) releaseLocked(keys []string, owner string) int {
	count := 0
	for _, key := range keys {
		if entry, ok := m.locks[key]; ok && entry.owner == owner {
			delete(m.locks, key)
			count++
		}
	}
	return count
}

func (m *InMemoryManager) expireLocked(now time.Time) {
	for key, entry := range m.locks {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(m.locks, key)
		}
	}
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

var _ Manager = (*InMemoryManager)(nil)
