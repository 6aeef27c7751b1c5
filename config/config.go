// Package config loads connection settings for the orchestrator's two
// external collaborators (§6): the key-value service used for locks,
// idempotency bindings, and dead-letter/compensation-failure storage, and
// the lock TTL default. Grounded on the plain Config-struct-plus-env-loader
// shape the teacher uses for its own Redis-backed modules, rather than the
// teacher's full YAML/DB-backed dynamic configuration pipeline, which
// exists to hot-reload business-workflow definitions — a concern this
// orchestrator's dependency-injection-free, single-purpose scope (§1) has
// no use for.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the environment-derived settings named in §6.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LockTTL is TRANSACTION_LOCK_TTL_SECONDS (§6), default 30s.
	LockTTL time.Duration

	// IdempotencyTTL is the implementation-defined idempotency binding
	// lifetime (§6), default 3600s.
	IdempotencyTTL time.Duration

	// JobVisibilityTimeout bounds how long a dequeued job may stay active
	// before the Job Store Adapter reaps and redelivers it (§4.3),
	// default 5m.
	JobVisibilityTimeout time.Duration
}

// LoadFromEnv reads Config from the environment, applying the spec's
// documented defaults for anything unset or malformed.
func LoadFromEnv() Config {
	return Config{
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		LockTTL:              getEnvSeconds("TRANSACTION_LOCK_TTL_SECONDS", 30*time.Second),
		IdempotencyTTL:       getEnvSeconds("IDEMPOTENCY_TTL_SECONDS", 3600*time.Second),
		JobVisibilityTimeout: getEnvSeconds("JOB_VISIBILITY_TIMEOUT_SECONDS", 5*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
