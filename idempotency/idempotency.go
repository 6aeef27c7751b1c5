// Package idempotency binds an operator-supplied idempotency key to the
// saga execution it first started (§4.6), so that a repeated execute()
// call with the same key returns the original jobId instead of starting a
// second saga. Bindings expire after a bounded window; the key layout
// (idempotent:<key>) follows §6 directly.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when an idempotency key has no binding (either
// never set, or expired).
var ErrNotFound = errors.New("idempotency: key not found")

// DefaultTTL is the binding lifetime per §6 (idempotent:<key>, 3600s).
const DefaultTTL = time.Hour

// Store binds idempotency keys to the jobId of the saga that first used
// them.
type Store interface {
	// Bind records key -> jobId if key is not already bound, returning the
	// jobId that ended up bound (either the one just passed in, or the one
	// that already existed) and whether this call was the one that created
	// the binding.
	Bind(ctx context.Context, key string, jobID string, ttl time.Duration) (boundJobID string, created bool, err error)
	// Lookup returns the jobId bound to key, or ErrNotFound.
	Lookup(ctx context.Context, key string) (string, error)
}

// InMemoryStore implements Store with a mutex-guarded map and lazy
// expiry, mirroring the teacher's map+mutex+TTL idiom.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	jobID     string
	expiresAt time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]entry)}
}

func (s *InMemoryStore) Bind(_ context.Context, key string, jobID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.jobID, false, nil
	}
	s.entries[key] = entry{jobID: jobID, expiresAt: now.Add(ttl)}
	return jobID, true, nil
}

func (s *InMemoryStore) Lookup(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", ErrNotFound
	}
	return e.jobID, nil
}

var _ Store = (*InMemoryStore)(nil)

// redisKey mirrors the literal key layout named in §6.
func redisKey(key string) string { return "idempotent:" + key }

// RedisStore implements Store using a Redis SET NX EX for the bind, so
// that concurrent execute() calls racing on the same key are resolved
// the same way distributed locks are: only one caller's SET succeeds.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Bind(ctx context.Context, key string, jobID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := s.client.SetArgs(ctx, redisKey(key), jobID, redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, err
	}
	if ok == "OK" {
		return jobID, true, nil
	}
	existing, lookupErr := s.Lookup(ctx, key)
	if lookupErr != nil {
		return "", false, lookupErr
	}
	return existing, false, nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

var _ Store = (*RedisStore)(nil)
