package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store for tests and single-process use: a map
// of jobs guarded by a mutex, with a buffered channel carrying waiting job
// ids in FIFO order, mirroring the map+list shape of cache.CacheLayer. A
// deadlines map tracks the visibility-timeout deadline of each active job,
// reaped back onto the waiting channel lazily on the next Dequeue call.
type InMemoryStore struct {
	mu                sync.Mutex
	jobs              map[string]*Job
	waiting           chan string
	deadlines         map[string]time.Time
	visibilityTimeout time.Duration
}

// NewInMemoryStore creates an InMemoryStore with room for up to capacity
// waiting jobs before Enqueue blocks. visibilityTimeout of zero falls back
// to DefaultVisibilityTimeout.
func NewInMemoryStore(capacity int, visibilityTimeout time.Duration) *InMemoryStore {
	if capacity <= 0 {
		capacity = 1024
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &InMemoryStore{
		jobs:              make(map[string]*Job),
		waiting:           make(chan string, capacity),
		deadlines:         make(map[string]time.Time),
		visibilityTimeout: visibilityTimeout,
	}
}

// reapExpiredLocked requeues any active job whose visibility timeout has
// elapsed without a matching Complete or Fail call. Caller must hold mu.
func (s *InMemoryStore) reapExpiredLocked(now time.Time) {
	for id, deadline := range s.deadlines {
		if now.Before(deadline) {
			continue
		}
		job, ok := s.jobs[id]
		if !ok {
			delete(s.deadlines, id)
			continue
		}
		select {
		case s.waiting <- id:
			delete(s.deadlines, id)
			job.State = StateWaiting
		default:
			// Waiting channel momentarily full; retry on the next call.
			s.deadlines[id] = now.Add(time.Second)
		}
	}
}

func (s *InMemoryStore) Enqueue(ctx context.Context, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	id := uuid.NewString()
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	job := &Job{
		ID:       id,
		Payload:  append(json.RawMessage(nil), payload...),
		State:    StateWaiting,
		Attempts: attempts,
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	select {
	case s.waiting <- id:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return id, nil
}

func (s *InMemoryStore) Fetch(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *InMemoryStore) UpdatePayload(_ context.Context, jobID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Payload = append(json.RawMessage(nil), payload...)
	return nil
}

func (s *InMemoryStore) UpdateProgress(_ context.Context, jobID string, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Progress = pct
	return nil
}

func (s *InMemoryStore) Dequeue(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	s.reapExpiredLocked(time.Now())
	s.mu.Unlock()

	select {
	case id := <-s.waiting:
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[id]
		if !ok {
			return nil, fmt.Errorf("jobstore: dequeued unknown job %s", id)
		}
		now := time.Now()
		job.State = StateActive
		job.AttemptCount++
		job.ProcessedOn = &now
		s.deadlines[id] = now.Add(s.visibilityTimeout)
		cp := *job
		return &cp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *InMemoryStore) Complete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedOn = &now
	delete(s.deadlines, jobID)
	return nil
}

func (s *InMemoryStore) Fail(_ context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.State == StateFailed {
		return nil // idempotent: already recorded
	}
	now := time.Now()
	job.State = StateFailed
	job.FailedReason = reason
	job.FinishedOn = &now
	delete(s.deadlines, jobID)
	return nil
}

var _ Store = (*InMemoryStore)(nil)
