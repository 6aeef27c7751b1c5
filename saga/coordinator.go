// Package saga implements the Saga Coordinator and Saga Worker (§4.6,
// §4.7): the external execute/getStatus API and the state machine that
// drives a job from dequeue through completion, compensation, or
// quarantine.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagaworks/orchestrator/idempotency"
	"github.com/sagaworks/orchestrator/jobstore"
)

// ExecuteInput is the caller-supplied request to start a saga (§4.6).
type ExecuteInput struct {
	UserID         any
	StepNames      []string
	Resources      []ResourceIdentifier
	IdempotencyKey string
}

// StatusResult is the external view of a job's progress (§4.6 getStatus).
type StatusResult struct {
	ID           string          `json:"id"`
	QueueState   jobstore.State  `json:"queueState"`
	Progress     int             `json:"progress"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// Coordinator is the external API surface: accept a saga definition,
// enforce idempotency, enqueue a job, and answer status queries.
type Coordinator struct {
	jobs        jobstore.Store
	idempotency idempotency.Store
	logger      *slog.Logger
}

// New creates a Coordinator. idem may be nil if idempotency keys will
// never be used.
func New(jobs jobstore.Store, idem idempotency.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{jobs: jobs, idempotency: idem, logger: logger}
}

// Execute admits a new saga (§4.6). If in.IdempotencyKey is set and
// already bound to a prior job, that job's id is returned without
// enqueueing a second job (I5).
func (c *Coordinator) Execute(ctx context.Context, in ExecuteInput) (string, error) {
	if in.IdempotencyKey != "" {
		if c.idempotency == nil {
			return "", errors.New("saga: idempotencyKey supplied but no idempotency store configured")
		}
		if existing, err := c.idempotency.Lookup(ctx, in.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, idempotency.ErrNotFound) {
			return "", fmt.Errorf("saga: idempotency lookup: %w", err)
		}
	}

	resources := in.Resources
	if len(resources) == 0 {
		resources = DefaultResources(in.UserID)
	}

	steps := make([]StepState, len(in.StepNames))
	for i, name := range in.StepNames {
		steps[i] = StepState{Name: name, Index: i, Status: StepPending}
	}

	payload := JobPayload{
		UserID:              in.UserID,
		Steps:               steps,
		CurrentStepIndex:    0,
		CreatedAt:           time.Now(),
		IdempotencyKey:      in.IdempotencyKey,
		ResourceIdentifiers: resources,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("saga: marshal job payload: %w", err)
	}

	jobID, err := c.jobs.Enqueue(ctx, payloadBytes, jobstore.DefaultEnqueueOptions())
	if err != nil {
		return "", fmt.Errorf("saga: enqueue: %w", err)
	}

	if in.IdempotencyKey != "" {
		// Bind is first-writer-wins: if a racing Execute call for the same
		// key won the bind first, its jobId is returned instead of ours,
		// and our freshly enqueued (now orphaned) job is left to finish on
		// its own and never looked up again by this key.
		bound, _, err := c.idempotency.Bind(ctx, in.IdempotencyKey, jobID, idempotency.DefaultTTL)
		if err != nil {
			c.logger.Error("saga: failed to persist idempotency binding", "jobId", jobID, "error", err)
			return jobID, nil
		}
		return bound, nil
	}

	return jobID, nil
}

// GetStatus reports a job's current queue-observable state (§4.6).
func (c *Coordinator) GetStatus(ctx context.Context, jobID string) (StatusResult, error) {
	job, err := c.jobs.Fetch(ctx, jobID)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		ID:           job.ID,
		QueueState:   job.State,
		Progress:     job.Progress,
		ProcessedOn:  job.ProcessedOn,
		FinishedOn:   job.FinishedOn,
		FailedReason: job.FailedReason,
		Data:         job.Payload,
	}, nil
}
