// Package compensation implements the Compensation Engine (§4.4): given an
// ordered trail of completed steps, it invokes their compensations in
// reverse, best-effort, and records any failures for operator retry.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagaworks/orchestrator/classify"
	"github.com/sagaworks/orchestrator/registry"
)

// ErrNotFound is returned when a failure record key does not exist.
var ErrNotFound = errors.New("compensation: failure record not found")

// Retention is the default TTL for compensation failure records (§3).
const Retention = 7 * 24 * time.Hour

// TrailEntry is one completed step in execution order, as reconstructed by
// the worker from persisted StepState (§4.7 step 2).
type TrailEntry struct {
	StepName   string
	Result     registry.Result
	Definition registry.StepDefinition
}

// FailureRecord is a persisted compensation failure (§3
// CompensationFailureRecord).
type FailureRecord struct {
	Key          string          `json:"key"`
	JobID        string          `json:"jobId"`
	StepName     string          `json:"stepName"`
	StepResult   json.RawMessage `json:"stepResult"`
	ErrorMessage string          `json:"errorMessage"`
	Stack        string          `json:"stack,omitempty"`
	Retryable    bool            `json:"retryable"`
	FailedAt     time.Time       `json:"failedAt"`
}

// FailureStore persists CompensationFailureRecords, keyed by
// "compensation_failure:<jobId>:<stepName>" (§6), with a bounded retention
// window.
type FailureStore interface {
	Add(ctx context.Context, record *FailureRecord) error
	Get(ctx context.Context, key string) (*FailureRecord, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context) ([]*FailureRecord, error)
}

// Key builds the conventional compensation-failure key for a job/step pair.
func Key(jobID, stepName string) string {
	return fmt.Sprintf("compensation_failure:%s:%s", jobID, stepName)
}

// Report summarizes one Run: which steps compensated cleanly and which
// failed (and were recorded).
type Report struct {
	Compensated []string
	Failed      []FailureRecord
}

// Engine runs compensations and classifies/records their failures.
type Engine struct {
	store    FailureStore
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates an Engine. registry is used by RetryFailure to re-resolve a
// step's compensate function by name; it may be nil if RetryFailure will
// not be used.
func New(store FailureStore, reg *registry.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, registry: reg, logger: logger}
}

// Run invokes trail's compensations in reverse order. Every compensation
// runs regardless of whether an earlier one (later in execution order)
// failed: a failure never aborts compensation of the remaining earlier
// steps (I3).
func (e *Engine) Run(ctx context.Context, jobID string, trail []TrailEntry) Report {
	var report Report

	for i := len(trail) - 1; i >= 0; i-- {
		entry := trail[i]
		if entry.Definition.Compensate == nil {
			e.logger.Warn("compensation: step has no compensate action, skipping",
				"job_id", jobID, "step", entry.StepName)
			continue
		}

		err := entry.Definition.Compensate(registry.ExecContext{JobID: jobID, Index: i}, entry.Result)
		if err == nil {
			report.Compensated = append(report.Compensated, entry.StepName)
			e.logger.Info("compensation: step compensated", "job_id", jobID, "step", entry.StepName)
			continue
		}

		record := e.buildFailureRecord(jobID, entry, err)
		if addErr := e.store.Add(ctx, record); addErr != nil {
			e.logger.Error("compensation: failed to persist failure record",
				"job_id", jobID, "step", entry.StepName, "error", addErr)
		}
		report.Failed = append(report.Failed, *record)
		e.logger.Error("compensation: step compensation failed",
			"job_id", jobID, "step", entry.StepName, "error", err, "retryable", record.Retryable)
	}

	return report
}

func (e *Engine) buildFailureRecord(jobID string, entry TrailEntry, err error) *FailureRecord {
	resultJSON, _ := json.Marshal(entry.Result)
	return &FailureRecord{
		Key:          Key(jobID, entry.StepName),
		JobID:        jobID,
		StepName:     entry.StepName,
		StepResult:   resultJSON,
		ErrorMessage: err.Error(),
		Retryable:    classify.CompensationTable.Classify(err.Error()),
		FailedAt:     time.Now(),
	}
}

// RetryFailure loads a persisted failure record, re-resolves its step by
// name, and invokes compensate again with the persisted result. On
// success the record is removed.
func (e *Engine) RetryFailure(ctx context.Context, key string) error {
	record, err := e.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("compensation: retry %s: %w", key, err)
	}

	def, ok := e.registry.Get(record.StepName)
	if !ok {
		return fmt.Errorf("compensation: retry %s: step %q not registered", key, record.StepName)
	}
	if def.Compensate == nil {
		return fmt.Errorf("compensation: retry %s: step %q has no compensate action", key, record.StepName)
	}

	var result registry.Result
	if len(record.StepResult) > 0 {
		if err := json.Unmarshal(record.StepResult, &result); err != nil {
			return fmt.Errorf("compensation: retry %s: unmarshal stored result: %w", key, err)
		}
	}

	if err := def.Compensate(registry.ExecContext{JobID: record.JobID}, result); err != nil {
		return fmt.Errorf("compensation: retry %s: compensate failed again: %w", key, err)
	}

	if err := e.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("compensation: retry %s: remove record after success: %w", key, err)
	}
	return nil
}
