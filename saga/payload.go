package saga

import (
	"encoding/json"
	"time"
)

// StepStatus is a step's position in its execute lifecycle (§3 StepState).
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepState is the persisted record of one step's progress within a job.
type StepState struct {
	Name   string          `json:"name"`
	Index  int             `json:"index"`
	Status StepStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobPayload is the full persisted state of one saga instance (§3 Saga
// Instance), stored as the job's payload in the Job Store Adapter.
type JobPayload struct {
	UserID              any                  `json:"userId"`
	Steps               []StepState          `json:"steps"`
	CurrentStepIndex    int                  `json:"currentStepIndex"`
	CreatedAt           time.Time            `json:"createdAt"`
	IdempotencyKey      string               `json:"idempotencyKey,omitempty"`
	ResourceIdentifiers []ResourceIdentifier `json:"resourceIdentifiers"`
}

// Resources returns the job's declared resource set, falling back to the
// user-scoped default (§4.6 step 1, §4.7 step 1) when none was recorded.
func (p JobPayload) Resources() []ResourceIdentifier {
	if len(p.ResourceIdentifiers) > 0 {
		return p.ResourceIdentifiers
	}
	return DefaultResources(p.UserID)
}
