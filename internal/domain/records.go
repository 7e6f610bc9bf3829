// Package domain defines the typed records of the coordination substrate and
// the Store contract that persists them: workspaces, blackboard entries and
// feedback, event envelopes with consumer checkpoints, workflow definitions,
// instances and history.
//
// Two backends implement Store: SQLStore over the persistence manager's
// PostgreSQL pool, and MemoryStore with identical semantics for tests and
// persistence-off mode.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a missing record. Callers check with errors.Is.
var ErrNotFound = errors.New("not found")

// ConflictError reports a blackboard optimistic-concurrency failure: the
// caller's expected version no longer matches the stored version.
type ConflictError struct {
	WorkspaceID string
	ArtifactKey string
	Expected    int
	Actual      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected version %d, stored version %d",
		e.WorkspaceID, e.ArtifactKey, e.Expected, e.Actual)
}

// IsConflict reports whether err is a blackboard version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Workspace is a shared project that agents collaborate on.
type Workspace struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BlackboardEntry is one versioned shared artifact. Version increases by
// exactly 1 per successful write; writes must supply the caller's last-seen
// version and are rejected on mismatch.
type BlackboardEntry struct {
	WorkspaceID  string         `json:"workspace_id"`
	ArtifactKey  string         `json:"artifact_key"`
	ArtifactID   string         `json:"artifact_id"`
	ArtifactType string         `json:"artifact_type"`
	Version      int            `json:"version"`
	Payload      map[string]any `json:"payload"`
	Source       string         `json:"source"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Feedback is an append-only annotation on an artifact.
type Feedback struct {
	FeedbackID  string         `json:"feedback_id"`
	WorkspaceID string         `json:"workspace_id"`
	TargetID    string         `json:"target_id"`
	SourceActor string         `json:"source_actor"`
	Content     string         `json:"content"`
	Severity    string         `json:"severity"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EventEnvelope is the immutable record of one published event. Version is
// the event's monotonic position in the stream, assigned once at append time.
type EventEnvelope struct {
	EventID     string         `json:"event_id"`
	Event       string         `json:"event"`
	AggregateID string         `json:"aggregate_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Version     int64          `json:"version"`
	OccurredAt  time.Time      `json:"occurred_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// Workflow instance statuses.
const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
	WorkflowStatusPaused    = "paused"
)

// WorkflowStepRecord is the persistable shape of one workflow step. Reducer
// is a registry key, never executable code.
type WorkflowStepRecord struct {
	ID         string         `json:"id"`
	OnEvent    string         `json:"on_event"`
	NextStepID string         `json:"next_step_id,omitempty"`
	Terminal   bool           `json:"terminal,omitempty"`
	Reducer    string         `json:"reducer,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// WorkflowDefinitionRecord is a persisted workflow definition. Immutable once
// published under a given (ID, Version); new behavior requires a new version.
type WorkflowDefinitionRecord struct {
	ID            string               `json:"id"`
	Version       int                  `json:"version"`
	Name          string               `json:"name"`
	TriggerEvent  string               `json:"trigger_event"`
	InitialStepID string               `json:"initial_step_id"`
	Steps         []WorkflowStepRecord `json:"steps"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// WorkflowInstance is one running execution of a workflow definition.
type WorkflowInstance struct {
	InstanceID        string         `json:"instance_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            string         `json:"status"`
	CurrentStepID     string         `json:"current_step_id,omitempty"`
	State             map[string]any `json:"state,omitempty"`
	TriggerEventID    string         `json:"trigger_event_id,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowHistoryEntry is one row of an instance's append-only audit trail.
type WorkflowHistoryEntry struct {
	EntryID    string         `json:"entry_id"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id,omitempty"`
	Transition string         `json:"transition"`
	EventID    string         `json:"event_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// WorkspaceSnapshot captures a workspace's state at a point in time.
type WorkspaceSnapshot struct {
	SnapshotID  string         `json:"snapshot_id"`
	WorkspaceID string         `json:"workspace_id"`
	State       map[string]any `json:"state"`
	TakenAt     time.Time      `json:"taken_at"`
}
