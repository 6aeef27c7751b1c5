package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	waitingListKey = "jobstore:waiting"
	jobKeyPrefix   = "jobstore:job:"
	// deadlineSetKey holds one member per active job, scored by the Unix
	// millisecond timestamp its visibility timeout expires at.
	deadlineSetKey = "jobstore:deadlines"
)

func jobKey(id string) string { return jobKeyPrefix + id }

// RedisStore implements Store standing in for the external durable FIFO
// queue §1 assumes exists: a Redis list (RPUSH/BLPOP) carries waiting job
// ids in order, a hash per job id holds payload/state/attempt count, and a
// sorted set scored by deadline tracks in-flight jobs so a crashed
// worker's job is reaped back onto the waiting list instead of lost,
// following the same go-redis client usage as module.RedisCache.
type RedisStore struct {
	client            *redis.Client
	visibilityTimeout time.Duration
}

// NewRedisStore creates a RedisStore backed by an existing go-redis
// client. visibilityTimeout of zero falls back to DefaultVisibilityTimeout.
func NewRedisStore(client *redis.Client, visibilityTimeout time.Duration) *RedisStore {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &RedisStore{client: client, visibilityTimeout: visibilityTimeout}
}

// reapExpired moves jobs whose visibility timeout has elapsed back onto
// the waiting list. Run lazily at the start of every Dequeue, the same
// on-access idiom InMemoryStore uses, rather than from a background
// goroutine with its own lifecycle to manage.
func (s *RedisStore) reapExpired(ctx context.Context) error {
	ids, err := s.client.ZRangeByScore(ctx, deadlineSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("jobstore: reap expired: %w", err)
	}
	for _, id := range ids {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, deadlineSetKey, id)
		pipe.RPush(ctx, waitingListKey, id)
		pipe.HSet(ctx, jobKey(id), map[string]any{"state": string(StateWaiting)})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("jobstore: reap expired %s: %w", id, err)
		}
	}
	return nil
}

func (s *RedisStore) Enqueue(ctx context.Context, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	id := uuid.NewString()

	fields := map[string]any{
		"id":           id,
		"payload":      string(payload),
		"state":        string(StateWaiting),
		"attempts":     attempts,
		"attemptCount": 0,
		"progress":     0,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), fields)
	pipe.RPush(ctx, waitingListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("jobstore: enqueue: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Fetch(ctx context.Context, jobID string) (*Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: fetch %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return parseJobHash(vals)
}

func (s *RedisStore) UpdatePayload(ctx context.Context, jobID string, payload json.RawMessage) error {
	return s.hsetIfExists(ctx, jobID, map[string]any{"payload": string(payload)})
}

func (s *RedisStore) UpdateProgress(ctx context.Context, jobID string, pct int) error {
	return s.hsetIfExists(ctx, jobID, map[string]any{"progress": pct})
}

func (s *RedisStore) hsetIfExists(ctx context.Context, jobID string, fields map[string]any) error {
	exists, err := s.client.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("jobstore: check %s: %w", jobID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.client.HSet(ctx, jobKey(jobID), fields).Err(); err != nil {
		return fmt.Errorf("jobstore: update %s: %w", jobID, err)
	}
	return nil
}

// Dequeue reaps any job whose visibility timeout has already expired back
// onto the waiting list, then blocks on BLPOP until a job id is available,
// marks the job active, increments its attempt count, and records a new
// deadline in the deadline set. A worker that crashes or hangs without
// calling Complete or Fail leaves its job's deadline unremoved, so a later
// Dequeue call reaps and redelivers it (§4.3).
func (s *RedisStore) Dequeue(ctx context.Context) (*Job, error) {
	if err := s.reapExpired(ctx); err != nil {
		return nil, err
	}

	res, err := s.client.BLPop(ctx, 0, waitingListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("jobstore: dequeue: unexpected BLPOP result %v", res)
	}
	id := res[1]

	attemptCount, err := s.client.HIncrBy(ctx, jobKey(id), "attemptCount", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: dequeue %s: increment attempts: %w", id, err)
	}
	now := time.Now()
	deadline := now.Add(s.visibilityTimeout)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"state":       string(StateActive),
		"processedOn": now.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, deadlineSetKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("jobstore: dequeue %s: mark active: %w", id, err)
	}

	job, err := s.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	job.AttemptCount = int(attemptCount)
	return job, nil
}

func (s *RedisStore) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.hsetIfExists(ctx, jobID, map[string]any{
		"state":      string(StateCompleted),
		"progress":   100,
		"finishedOn": now,
	}); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, deadlineSetKey, jobID).Err(); err != nil {
		return fmt.Errorf("jobstore: complete %s: release lease: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, jobID string, reason string) error {
	job, err := s.Fetch(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == StateFailed {
		return nil // idempotent
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.hsetIfExists(ctx, jobID, map[string]any{
		"state":        string(StateFailed),
		"failedReason": reason,
		"finishedOn":   now,
	}); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, deadlineSetKey, jobID).Err(); err != nil {
		return fmt.Errorf("jobstore: fail %s: release lease: %w", jobID, err)
	}
	return nil
}

func parseJobHash(vals map[string]string) (*Job, error) {
	job := &Job{
		ID:           vals["id"],
		Payload:      json.RawMessage(vals["payload"]),
		State:        State(vals["state"]),
		FailedReason: vals["failedReason"],
	}
	if v, ok := vals["attempts"]; ok {
		fmt.Sscanf(v, "%d", &job.Attempts)
	}
	if v, ok := vals["attemptCount"]; ok {
		fmt.Sscanf(v, "%d", &job.AttemptCount)
	}
	if v, ok := vals["progress"]; ok {
		fmt.Sscanf(v, "%d", &job.Progress)
	}
	if v, ok := vals["processedOn"]; ok && v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			job.ProcessedOn = &t
		}
	}
	if v, ok := vals["finishedOn"]; ok && v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			job.FinishedOn = &t
		}
	}
	return job, nil
}

var _ Store = (*RedisStore)(nil)
