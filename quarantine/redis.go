package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key conventions, per spec §6.
const (
	keyPrefix       = "dlq:"
	keyJobIDs       = "dlq:job_ids"
	keyHighPriority = "dlq:high_priority"
	keyProcessed    = "dlq:processed"
)

func recordKey(id string) string { return keyPrefix + id }

// RedisStore implements Store against the same single-instance key-value
// service the Lock Manager uses, following the exact key layout spec §6
// requires: a hash per record plus three sets (active, high-priority,
// processed) tracking membership.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore backed by an existing go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Add(ctx context.Context, record *Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now()
	}

	fields, err := toHash(record)
	if err != nil {
		return "", fmt.Errorf("quarantine: marshal record %s: %w", record.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recordKey(record.ID), fields)
	pipe.SAdd(ctx, keyJobIDs, record.ID)
	if record.Priority == PriorityHigh {
		pipe.SAdd(ctx, keyHighPriority, record.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("quarantine: add record %s: %w", record.ID, err)
	}
	return record.ID, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("quarantine: get record %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(vals)
}

func (s *RedisStore) GetHighPriority(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, keyHighPriority).Result()
	if err != nil {
		return nil, fmt.Errorf("quarantine: list high priority: %w", err)
	}
	records, err := s.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FailedAt.Before(records[j].FailedAt)
	})
	return records, nil
}

func (s *RedisStore) GetAllActive(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, keyJobIDs).Result()
	if err != nil {
		return nil, fmt.Errorf("quarantine: list active: %w", err)
	}
	records, err := s.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FailedAt.Before(records[j].FailedAt)
	})
	return records, nil
}

func (s *RedisStore) fetchAll(ctx context.Context, ids []string) ([]*Record, error) {
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue // membership and hash can race; ignore stragglers
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) MarkHandled(ctx context.Context, id string, note string) error {
	exists, err := s.client.Exists(ctx, recordKey(id)).Result()
	if err != nil {
		return fmt.Errorf("quarantine: check record %s: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recordKey(id), map[string]any{
		"handled":       "true",
		"processedAt":   now.Format(time.RFC3339Nano),
		"processorNote": note,
	})
	pipe.SRem(ctx, keyJobIDs, id)
	pipe.SRem(ctx, keyHighPriority, id)
	pipe.SAdd(ctx, keyProcessed, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quarantine: mark handled %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	active, err := s.GetAllActive(ctx)
	if err != nil {
		return stats, err
	}
	stats.TotalActive = len(active)
	for _, rec := range active {
		if rec.Priority == PriorityHigh {
			stats.HighPriority++
		}
		if stats.OldestFailure == nil || rec.FailedAt.Before(*stats.OldestFailure) {
			failedAt := rec.FailedAt
			stats.OldestFailure = &failedAt
		}
	}

	processed, err := s.client.SCard(ctx, keyProcessed).Result()
	if err != nil {
		return stats, fmt.Errorf("quarantine: count processed: %w", err)
	}
	stats.TotalProcessed = int(processed)

	return stats, nil
}

// toHash flattens a Record into the string fields go-redis HSet expects.
// Nested structures are JSON-encoded, per spec §6's note that
// originalJobData/completedBenefits/customerInfo/businessContext are
// "serialized as strings".
func toHash(r *Record) (map[string]any, error) {
	completedSteps, err := json.Marshal(r.CompletedSteps)
	if err != nil {
		return nil, err
	}
	businessContext, err := json.Marshal(r.BusinessContext)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":              r.ID,
		"originalJobId":   r.OriginalJobID,
		"jobPayload":      string(r.JobPayload),
		"failureReason":   r.FailureReason,
		"failureStack":    r.FailureStack,
		"failedAt":        r.FailedAt.UTC().Format(time.RFC3339Nano),
		"completedSteps":  string(completedSteps),
		"failedStep":      r.FailedStep,
		"priority":        string(r.Priority),
		"canRetry":        fmt.Sprintf("%t", r.CanRetry),
		"businessContext": string(businessContext),
		"handled":         fmt.Sprintf("%t", r.Handled),
	}, nil
}

func fromHash(vals map[string]string) (*Record, error) {
	r := &Record{
		ID:            vals["id"],
		OriginalJobID: vals["originalJobId"],
		JobPayload:    json.RawMessage(vals["jobPayload"]),
		FailureReason: vals["failureReason"],
		FailureStack:  vals["failureStack"],
		FailedStep:    vals["failedStep"],
		Priority:      Priority(vals["priority"]),
		CanRetry:      vals["canRetry"] == "true",
		Handled:       vals["handled"] == "true",
		ProcessorNote: vals["processorNote"],
	}

	if failedAt, ok := vals["failedAt"]; ok && failedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, failedAt)
		if err != nil {
			return nil, fmt.Errorf("parse failedAt: %w", err)
		}
		r.FailedAt = t
	}
	if processedAt, ok := vals["processedAt"]; ok && processedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, processedAt)
		if err != nil {
			return nil, fmt.Errorf("parse processedAt: %w", err)
		}
		r.ProcessedAt = &t
	}
	if steps, ok := vals["completedSteps"]; ok && steps != "" {
		if err := json.Unmarshal([]byte(steps), &r.CompletedSteps); err != nil {
			return nil, fmt.Errorf("parse completedSteps: %w", err)
		}
	}
	if ctx, ok := vals["businessContext"]; ok && ctx != "" {
		if err := json.Unmarshal([]byte(ctx), &r.BusinessContext); err != nil {
			return nil, fmt.Errorf("parse businessContext: %w", err)
		}
	}

	return r, nil
}

var _ Store = (*RedisStore)(nil)
