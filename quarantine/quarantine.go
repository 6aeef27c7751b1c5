// Package quarantine implements the dead-letter store (§4.5): terminal
// saga failures are recorded here for operator inspection, with enough
// context for manual remediation.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for quarantine store operations.
var (
	ErrNotFound = errors.New("quarantine: record not found")
)

// Priority classifies how urgently a quarantined job needs operator
// attention.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Record is a terminal saga failure awaiting operator action.
type Record struct {
	ID              string          `json:"id"`
	OriginalJobID   string          `json:"originalJobId"`
	JobPayload      json.RawMessage `json:"jobPayload"`
	FailureReason   string          `json:"failureReason"`
	FailureStack    string          `json:"failureStack,omitempty"`
	FailedAt        time.Time       `json:"failedAt"`
	CompletedSteps  []string        `json:"completedSteps"`
	FailedStep      string          `json:"failedStep"`
	Priority        Priority        `json:"priority"`
	CanRetry        bool            `json:"canRetry"`
	BusinessContext map[string]any  `json:"businessContext,omitempty"`

	// Set once the record moves out of the active set.
	Handled       bool       `json:"handled"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	ProcessorNote string     `json:"processorNote,omitempty"`
}

// Stats summarizes the current state of the quarantine for dashboards.
type Stats struct {
	TotalActive   int
	HighPriority  int
	TotalProcessed int
	OldestFailure *time.Time
}

// Store persists QuarantineRecords and supports operator workflows:
// listing, marking handled, and aggregate stats.
type Store interface {
	// Add persists a record, assigning an ID if record.ID is empty, and
	// returns the assigned ID. Add upserts by ID: a caller that sets a
	// deterministic ID and calls Add twice for it gets one record, not a
	// duplicate, which callers needing idempotent inserts rely on.
	Add(ctx context.Context, record *Record) (string, error)
	// Get retrieves a record by ID, active or handled.
	Get(ctx context.Context, id string) (*Record, error)
	// GetHighPriority returns active high-priority records sorted by
	// FailedAt ascending (oldest first).
	GetHighPriority(ctx context.Context) ([]*Record, error)
	// GetAllActive returns every active (unhandled) record.
	GetAllActive(ctx context.Context) ([]*Record, error)
	// MarkHandled moves a record from active (and high-priority, if
	// present) into the handled set, stamping ProcessedAt and
	// ProcessorNote.
	MarkHandled(ctx context.Context, id string, note string) error
	// Stats computes aggregate counts across active and handled records.
	Stats(ctx context.Context) (Stats, error)
}
