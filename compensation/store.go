package compensation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// InMemoryFailureStore
// ---------------------------------------------------------------------------

// InMemoryFailureStore is a thread-safe in-memory FailureStore, for tests
// and single-process use, grounded on the same shape as
// store.InMemoryIdempotencyStore: a map guarded by a mutex with lazy TTL
// eviction on read.
type InMemoryFailureStore struct {
	mu      sync.Mutex
	records map[string]*FailureRecord
}

// NewInMemoryFailureStore creates an empty InMemoryFailureStore.
func NewInMemoryFailureStore() *InMemoryFailureStore {
	return &InMemoryFailureStore{records: make(map[string]*FailureRecord)}
}

func (s *InMemoryFailureStore) Add(_ context.Context, record *FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records[record.Key] = &cp
	return nil
}

func (s *InMemoryFailureStore) Get(_ context.Context, key string) (*FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || s.expired(rec) {
		delete(s.records, key)
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryFailureStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *InMemoryFailureStore) List(_ context.Context) ([]*FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*FailureRecord
	for key, rec := range s.records {
		if s.expired(rec) {
			delete(s.records, key)
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryFailureStore) expired(rec *FailureRecord) bool {
	return time.Since(rec.FailedAt) > Retention
}

var _ FailureStore = (*InMemoryFailureStore)(nil)

// ---------------------------------------------------------------------------
// RedisFailureStore
// ---------------------------------------------------------------------------

const failureIndexKey = "compensation_failures:index"

// RedisFailureStore implements FailureStore against the key-value service,
// using the key convention of §6: one hash per
// "compensation_failure:<jobId>:<stepName>" key, indexed in a set, with a
// 7-day TTL on the hash itself.
type RedisFailureStore struct {
	client *redis.Client
}

// NewRedisFailureStore creates a RedisFailureStore backed by an existing
// go-redis client.
func NewRedisFailureStore(client *redis.Client) *RedisFailureStore {
	return &RedisFailureStore{client: client}
}

func (s *RedisFailureStore) Add(ctx context.Context, record *FailureRecord) error {
	fields := map[string]any{
		"key":          record.Key,
		"jobId":        record.JobID,
		"stepName":     record.StepName,
		"stepResult":   string(record.StepResult),
		"errorMessage": record.ErrorMessage,
		"stack":        record.Stack,
		"retryable":    fmt.Sprintf("%t", record.Retryable),
		"failedAt":     record.FailedAt.UTC().Format(time.RFC3339Nano),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, record.Key, fields)
	pipe.Expire(ctx, record.Key, Retention)
	pipe.SAdd(ctx, failureIndexKey, record.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("compensation: add failure record %s: %w", record.Key, err)
	}
	return nil
}

func (s *RedisFailureStore) Get(ctx context.Context, key string) (*FailureRecord, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("compensation: get failure record %s: %w", key, err)
	}
	if len(vals) == 0 {
		_, _ = s.client.SRem(ctx, failureIndexKey, key).Result()
		return nil, ErrNotFound
	}
	return parseFailureHash(vals)
}

func (s *RedisFailureStore) Remove(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, failureIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("compensation: remove failure record %s: %w", key, err)
	}
	return nil
}

func (s *RedisFailureStore) List(ctx context.Context) ([]*FailureRecord, error) {
	keys, err := s.client.SMembers(ctx, failureIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("compensation: list failure records: %w", err)
	}

	out := make([]*FailureRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if err == ErrNotFound {
			continue // TTL expired the hash; index entry already cleaned up by Get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseFailureHash(vals map[string]string) (*FailureRecord, error) {
	rec := &FailureRecord{
		Key:          vals["key"],
		JobID:        vals["jobId"],
		StepName:     vals["stepName"],
		StepResult:   json.RawMessage(vals["stepResult"]),
		ErrorMessage: vals["errorMessage"],
		Stack:        vals["stack"],
		Retryable:    vals["retryable"] == "true",
	}
	if failedAt, ok := vals["failedAt"]; ok && failedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, failedAt)
		if err != nil {
			return nil, fmt.Errorf("parse failedAt: %w", err)
		}
		rec.FailedAt = t
	}
	return rec, nil
}

var _ FailureStore = (*RedisFailureStore)(nil)
