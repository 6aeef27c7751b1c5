package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagaworks/orchestrator/classify"
	"github.com/sagaworks/orchestrator/compensation"
	"github.com/sagaworks/orchestrator/jobstore"
	"github.com/sagaworks/orchestrator/lock"
	"github.com/sagaworks/orchestrator/quarantine"
	"github.com/sagaworks/orchestrator/registry"
)

// DefaultLockTTL is the fallback lock TTL (§6
// TRANSACTION_LOCK_TTL_SECONDS default).
const DefaultLockTTL = 30 * time.Second

// Worker dequeues jobs and drives the state machine of §4.7: ENTERING ->
// LOCK_ACQUIRED -> EXECUTING(i) -> COMPLETED | COMPENSATING -> FAILED |
// QUARANTINED.
type Worker struct {
	jobs         jobstore.Store
	locks        lock.Manager
	registry     *registry.Registry
	compensation *compensation.Engine
	quarantine   quarantine.Store
	logger       *slog.Logger
	lockTTL      time.Duration
}

// NewWorker creates a Worker. If lockTTL is zero, DefaultLockTTL is used.
func NewWorker(
	jobs jobstore.Store,
	locks lock.Manager,
	reg *registry.Registry,
	comp *compensation.Engine,
	quar quarantine.Store,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Worker {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:         jobs,
		locks:        locks,
		registry:     reg,
		compensation: comp,
		quarantine:   quar,
		lockTTL:      lockTTL,
		logger:       logger,
	}
}

// ProcessNext blocks until a job is available, then runs it to completion,
// failure, or quarantine. It returns the error the saga ultimately failed
// with, or nil on success.
func (w *Worker) ProcessNext(ctx context.Context) error {
	job, err := w.jobs.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("saga: dequeue: %w", err)
	}
	return w.Process(ctx, job)
}

// Process runs a single dequeued job through the state machine. Exported
// directly so resume/retry scenarios can be driven without a live queue.
func (w *Worker) Process(ctx context.Context, job *jobstore.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("saga: unmarshal job %s payload: %w", job.ID, err)
	}

	// ENTERING.
	resources := payload.Resources()
	keys := Keys(resources)

	acquired, err := w.locks.Acquire(ctx, keys, job.ID, w.lockTTL)
	if err != nil {
		return fmt.Errorf("saga: acquire lock for job %s: %w", job.ID, err)
	}
	if !acquired {
		busyErr := &ResourceBusyError{Resources: keys}
		// Do not release: the owner check protects us from taking down
		// another job's lock, and we never held one ourselves.
		w.finishFailed(ctx, job, payload, busyErr, nil)
		return busyErr
	}
	defer func() {
		if _, err := w.locks.Release(ctx, keys, job.ID); err != nil {
			w.logger.Error("saga: lock release failed", "jobId", job.ID, "error", err)
		}
	}()

	// LOCK_ACQUIRED: rebuild the success trail from persisted step state.
	trail := w.rebuildTrail(job.ID, payload)

	// EXECUTING(i).
	for i := payload.CurrentStepIndex; i < len(payload.Steps); i++ {
		progress := i * 100 / len(payload.Steps)
		if err := w.jobs.UpdateProgress(ctx, job.ID, progress); err != nil {
			w.logger.Warn("saga: progress update failed", "jobId", job.ID, "error", err)
		}

		payload.Steps[i].Status = StepInProgress
		if payload.CurrentStepIndex < i {
			payload.CurrentStepIndex = i
		}
		if err := w.persist(ctx, job.ID, payload); err != nil {
			return fmt.Errorf("saga: persist job %s before step %d: %w", job.ID, i, err)
		}

		def, ok := w.registry.Get(payload.Steps[i].Name)
		if !ok {
			notFound := &StepFunctionNotFoundError{Name: payload.Steps[i].Name}
			payload.Steps[i].Status = StepFailed
			_ = w.persist(ctx, job.ID, payload)
			w.compensation.Run(ctx, job.ID, trail)
			w.finishFailed(ctx, job, payload, notFound, trail)
			return notFound
		}

		result, execErr := def.Execute(registry.ExecContext{JobID: job.ID, UserID: payload.UserID, Index: i})
		if execErr != nil {
			payload.Steps[i].Status = StepFailed
			_ = w.persist(ctx, job.ID, payload)
			w.compensation.Run(ctx, job.ID, trail)
			stepErr := &StepExecutionError{StepName: payload.Steps[i].Name, Err: execErr}
			w.finishFailed(ctx, job, payload, stepErr, trail)
			return stepErr
		}

		resultBytes, err := json.Marshal(result)
		if err != nil {
			resultBytes = nil
		}
		payload.Steps[i].Status = StepCompleted
		payload.Steps[i].Result = resultBytes
		if i+1 < len(payload.Steps) {
			payload.CurrentStepIndex = i + 1
		} else {
			payload.CurrentStepIndex = len(payload.Steps)
		}
		if err := w.persist(ctx, job.ID, payload); err != nil {
			return fmt.Errorf("saga: persist job %s after step %d: %w", job.ID, i, err)
		}

		trail = append(trail, compensation.TrailEntry{StepName: def.Name, Result: result, Definition: def})
	}

	// COMPLETED.
	if err := w.jobs.UpdateProgress(ctx, job.ID, 100); err != nil {
		w.logger.Warn("saga: final progress update failed", "jobId", job.ID, "error", err)
	}
	if err := w.jobs.Complete(ctx, job.ID); err != nil {
		return fmt.Errorf("saga: mark job %s completed: %w", job.ID, err)
	}
	return nil
}

// rebuildTrail reconstructs the success trail (§4.7 step 2) from persisted
// step state for steps already completed on a resumed job. A missing
// registry entry is skipped with a logged warning, not an error: its
// compensation is unreachable on this node.
func (w *Worker) rebuildTrail(jobID string, payload JobPayload) []compensation.TrailEntry {
	var trail []compensation.TrailEntry
	for i := 0; i < payload.CurrentStepIndex && i < len(payload.Steps); i++ {
		step := payload.Steps[i]
		if step.Status != StepCompleted {
			continue
		}
		def, ok := w.registry.Get(step.Name)
		if !ok {
			w.logger.Warn("saga: completed step missing from registry on resume, cannot compensate here",
				"jobId", jobID, "step", step.Name)
			continue
		}
		var result registry.Result
		if len(step.Result) > 0 {
			if err := json.Unmarshal(step.Result, &result); err != nil {
				w.logger.Warn("saga: failed to unmarshal stored step result", "jobId", jobID, "step", step.Name, "error", err)
			}
		}
		trail = append(trail, compensation.TrailEntry{StepName: step.Name, Result: result, Definition: def})
	}
	return trail
}

func (w *Worker) persist(ctx context.Context, jobID string, payload JobPayload) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("saga: marshal job %s payload: %w", jobID, err)
	}
	return w.jobs.UpdatePayload(ctx, jobID, payloadBytes)
}

// finishFailed records a quarantine entry for a terminally failed job and
// marks it failed in the queue (§4.7 step 5, §7.5). Quarantine-write
// failures are logged, not propagated: the saga failure itself must still
// reach the queue regardless.
func (w *Worker) finishFailed(ctx context.Context, job *jobstore.Job, payload JobPayload, failErr error, trail []compensation.TrailEntry) {
	var completedSteps []string
	var failedStep string
	for _, s := range payload.Steps {
		switch s.Status {
		case StepCompleted:
			completedSteps = append(completedSteps, s.Name)
		case StepFailed:
			if failedStep == "" {
				failedStep = s.Name
			}
		}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("saga: marshal payload for quarantine record failed", "jobId", job.ID, "error", err)
	}

	canRetry := classify.QuarantineTable.Classify(failErr.Error())
	priority := quarantine.PriorityNormal
	if canRetry {
		priority = quarantine.PriorityHigh
	}

	record := &quarantine.Record{
		// Deterministic, derived from the job id and the delivery attempt
		// that failed: redelivery of the same attempt (two overlapping
		// Process calls racing a visibility-timeout expiry) converges on
		// the same record instead of writing a duplicate, since Add
		// upserts by ID. A later attempt of the same job (a genuine
		// redelivery after this one expired) gets its own record.
		ID:             fmt.Sprintf("%s:%d", job.ID, job.AttemptCount),
		OriginalJobID:  job.ID,
		JobPayload:     payloadBytes,
		FailureReason:  failErr.Error(),
		FailedAt:       time.Now(),
		CompletedSteps: completedSteps,
		FailedStep:     failedStep,
		Priority:       priority,
		CanRetry:       canRetry,
	}
	if _, err := w.quarantine.Add(ctx, record); err != nil {
		// QuarantineWriteError (§7.5): logged, never propagated; the saga
		// failure below still reaches the queue regardless.
		w.logger.Error("saga: quarantine write failed", "jobId", job.ID, "error", err)
	}

	// jobs.Fail is independently idempotent (§4.3, §7), but that alone
	// does not stop two overlapping Process calls on the same delivery
	// from both calling quarantine.Add before either reaches Fail; the
	// record's deterministic ID above is what makes this call safe to
	// run more than once.
	if err := w.jobs.Fail(ctx, job.ID, failErr.Error()); err != nil {
		w.logger.Error("saga: marking job failed in queue failed", "jobId", job.ID, "error", err)
	}
}
