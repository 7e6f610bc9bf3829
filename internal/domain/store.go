package domain

import "context"

// Store persists the coordination substrate's records. All methods are safe
// for concurrent use.
type Store interface {
	// Workspaces.
	CreateWorkspace(ctx context.Context, name string, metadata map[string]any) (Workspace, error)
	Workspace(ctx context.Context, id string) (Workspace, error)
	Workspaces(ctx context.Context) ([]Workspace, error)

	// Blackboard. UpsertEntry is the optimistic-concurrency write path:
	// expectedVersion 0 creates the entry at version 1, any other value must
	// match the stored version exactly or the write fails with a
	// *ConflictError carrying the actual version.
	UpsertEntry(ctx context.Context, entry BlackboardEntry, expectedVersion int) (BlackboardEntry, error)
	Entries(ctx context.Context, workspaceID string) ([]BlackboardEntry, error)
	// AllEntries lists every entry regardless of whether its workspace ID
	// has a registered workspace record.
	AllEntries(ctx context.Context) ([]BlackboardEntry, error)
	AppendFeedback(ctx context.Context, fb Feedback) error
	Feedbacks(ctx context.Context, workspaceID string) ([]Feedback, error)
	AllFeedbacks(ctx context.Context) ([]Feedback, error)

	// Event log. AppendEvent assigns the next monotonic version and returns
	// the completed envelope; envelopes are immutable thereafter.
	AppendEvent(ctx context.Context, env EventEnvelope) (EventEnvelope, error)
	EventsAfter(ctx context.Context, afterVersion int64, limit int) ([]EventEnvelope, error)

	// Consumer checkpoints. Checkpoint returns 0 for an unknown consumer.
	Checkpoint(ctx context.Context, consumerID string) (int64, error)
	SaveCheckpoint(ctx context.Context, consumerID string, version int64) error

	// Workflows.
	SaveDefinition(ctx context.Context, def WorkflowDefinitionRecord) error
	Definitions(ctx context.Context) ([]WorkflowDefinitionRecord, error)
	SaveInstance(ctx context.Context, inst WorkflowInstance) error
	Instance(ctx context.Context, instanceID string) (WorkflowInstance, error)
	RunningInstances(ctx context.Context) ([]WorkflowInstance, error)
	AppendHistory(ctx context.Context, entry WorkflowHistoryEntry) error
	History(ctx context.Context, instanceID string) ([]WorkflowHistoryEntry, error)

	// Workspace snapshots.
	SaveSnapshot(ctx context.Context, snap WorkspaceSnapshot) error
	Snapshots(ctx context.Context, workspaceID string) ([]WorkspaceSnapshot, error)
}
