package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cowork-labs/cowork/internal/store"
)

// SQLStore implements Store over PostgreSQL. Generic entities (workspaces)
// go through the persistence manager's repositories; the versioned
// blackboard, event log and workflow tables use dedicated SQL through the
// same pool.
type SQLStore struct {
	manager *store.Manager
	db      store.Pool
}

// NewSQLStore binds a typed domain store to a persistence manager.
func NewSQLStore(manager *store.Manager) *SQLStore {
	return &SQLStore{manager: manager, db: manager.Pool()}
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Workspaces

func (s *SQLStore) CreateWorkspace(ctx context.Context, name string, metadata map[string]any) (Workspace, error) {
	repo, err := s.manager.Repository("workspace")
	if err != nil {
		return Workspace{}, err
	}

	payload := map[string]any{"name": name}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	rec, err := repo.Create(ctx, payload)
	if err != nil {
		return Workspace{}, err
	}
	return workspaceFromRecord(rec), nil
}

func (s *SQLStore) Workspace(ctx context.Context, id string) (Workspace, error) {
	repo, err := s.manager.Repository("workspace")
	if err != nil {
		return Workspace{}, err
	}
	rec, err := repo.Get(ctx, id)
	if err != nil {
		if store.IsCode(err, store.CodeEntityNotFound) {
			return Workspace{}, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		return Workspace{}, err
	}
	return workspaceFromRecord(rec), nil
}

func (s *SQLStore) Workspaces(ctx context.Context) ([]Workspace, error) {
	repo, err := s.manager.Repository("workspace")
	if err != nil {
		return nil, err
	}
	records, err := repo.Find(ctx, store.Filter{OrderBy: "created_at"})
	if err != nil {
		return nil, err
	}
	workspaces := make([]Workspace, len(records))
	for i, rec := range records {
		workspaces[i] = workspaceFromRecord(rec)
	}
	return workspaces, nil
}

func workspaceFromRecord(rec store.Record) Workspace {
	ws := Workspace{ID: rec.ID, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}
	if name, ok := rec.Payload["name"].(string); ok {
		ws.Name = name
	}
	if tenant, ok := rec.Payload["tenant_id"].(string); ok {
		ws.TenantID = tenant
	}
	if owner, ok := rec.Payload["owner"].(string); ok {
		ws.Owner = owner
	}
	if meta, ok := rec.Payload["metadata"].(map[string]any); ok {
		ws.Metadata = meta
	}
	return ws
}

// Blackboard

func (s *SQLStore) UpsertEntry(ctx context.Context, entry BlackboardEntry, expectedVersion int) (BlackboardEntry, error) {
	payload, err := marshalJSON(entry.Payload)
	if err != nil {
		return BlackboardEntry{}, fmt.Errorf("failed to marshal entry payload: %w", err)
	}
	now := time.Now().UTC()

	if expectedVersion == 0 {
		// First write: version 1 is claimed by whichever insert lands first.
		affected, err := s.db.Exec(ctx, `
			INSERT INTO cowork_blackboard_entry
				(workspace_id, artifact_key, artifact_id, artifact_type, version, payload, source, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
			ON CONFLICT (workspace_id, artifact_key) DO NOTHING`,
			entry.WorkspaceID, entry.ArtifactKey, entry.ArtifactID, entry.ArtifactType,
			payload, entry.Source, now,
		)
		if err != nil {
			return BlackboardEntry{}, fmt.Errorf("failed to insert blackboard entry: %w", err)
		}
		if affected == 0 {
			return BlackboardEntry{}, s.conflict(ctx, entry.WorkspaceID, entry.ArtifactKey, expectedVersion)
		}
		entry.Version = 1
		entry.UpdatedAt = now
		return entry, nil
	}

	// Compare-and-swap: the update only lands if the stored version still
	// matches the caller's expectation.
	affected, err := s.db.Exec(ctx, `
		UPDATE cowork_blackboard_entry
		SET artifact_id = $4, artifact_type = $5, version = version + 1,
			payload = $6, source = $7, updated_at = $8
		WHERE workspace_id = $1 AND artifact_key = $2 AND version = $3`,
		entry.WorkspaceID, entry.ArtifactKey, expectedVersion,
		entry.ArtifactID, entry.ArtifactType, payload, entry.Source, now,
	)
	if err != nil {
		return BlackboardEntry{}, fmt.Errorf("failed to update blackboard entry: %w", err)
	}
	if affected == 0 {
		return BlackboardEntry{}, s.conflict(ctx, entry.WorkspaceID, entry.ArtifactKey, expectedVersion)
	}
	entry.Version = expectedVersion + 1
	entry.UpdatedAt = now
	return entry, nil
}

// conflict builds a ConflictError carrying the currently stored version.
func (s *SQLStore) conflict(ctx context.Context, workspaceID, artifactKey string, expected int) error {
	var actual int
	err := s.db.QueryRow(ctx,
		"SELECT version FROM cowork_blackboard_entry WHERE workspace_id = $1 AND artifact_key = $2",
		workspaceID, artifactKey,
	).Scan(&actual)
	if err != nil {
		actual = -1
	}
	return &ConflictError{
		WorkspaceID: workspaceID,
		ArtifactKey: artifactKey,
		Expected:    expected,
		Actual:      actual,
	}
}

func (s *SQLStore) Entries(ctx context.Context, workspaceID string) ([]BlackboardEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT workspace_id, artifact_key, artifact_id, artifact_type, version, payload, source, updated_at
		FROM cowork_blackboard_entry
		WHERE workspace_id = $1
		ORDER BY artifact_key`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list blackboard entries: %w", err)
	}
	return scanEntries(rows)
}

// AllEntries lists every blackboard entry, including ones whose workspace ID
// was never registered as a workspace record.
func (s *SQLStore) AllEntries(ctx context.Context) ([]BlackboardEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT workspace_id, artifact_key, artifact_id, artifact_type, version, payload, source, updated_at
		FROM cowork_blackboard_entry
		ORDER BY workspace_id, artifact_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list blackboard entries: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows store.Rows) ([]BlackboardEntry, error) {
	defer rows.Close()

	var entries []BlackboardEntry
	for rows.Next() {
		var (
			entry   BlackboardEntry
			payload []byte
		)
		if err := rows.Scan(&entry.WorkspaceID, &entry.ArtifactKey, &entry.ArtifactID,
			&entry.ArtifactType, &entry.Version, &payload, &entry.Source, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blackboard entry: %w", err)
		}
		var err error
		if entry.Payload, err = unmarshalJSON(payload); err != nil {
			return nil, fmt.Errorf("failed to decode entry payload: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLStore) AppendFeedback(ctx context.Context, fb Feedback) error {
	metadata, err := marshalJSON(fb.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback metadata: %w", err)
	}
	if fb.FeedbackID == "" {
		fb.FeedbackID = uuid.New().String()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO cowork_blackboard_feedback
			(feedback_id, workspace_id, target_id, source_actor, content, severity, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		fb.FeedbackID, fb.WorkspaceID, fb.TargetID, fb.SourceActor, fb.Content,
		fb.Severity, fb.Status, metadata, fb.CreatedAt, fb.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append feedback: %w", err)
	}
	return nil
}

func (s *SQLStore) Feedbacks(ctx context.Context, workspaceID string) ([]Feedback, error) {
	rows, err := s.db.Query(ctx, `
		SELECT feedback_id, workspace_id, target_id, source_actor, content, severity, status, metadata, created_at, updated_at
		FROM cowork_blackboard_feedback
		WHERE workspace_id = $1
		ORDER BY created_at`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	return scanFeedbacks(rows)
}

// AllFeedbacks lists feedback across every workspace.
func (s *SQLStore) AllFeedbacks(ctx context.Context) ([]Feedback, error) {
	rows, err := s.db.Query(ctx, `
		SELECT feedback_id, workspace_id, target_id, source_actor, content, severity, status, metadata, created_at, updated_at
		FROM cowork_blackboard_feedback
		ORDER BY workspace_id, created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	return scanFeedbacks(rows)
}

func scanFeedbacks(rows store.Rows) ([]Feedback, error) {
	defer rows.Close()

	var feedbacks []Feedback
	for rows.Next() {
		var (
			fb       Feedback
			metadata []byte
		)
		if err := rows.Scan(&fb.FeedbackID, &fb.WorkspaceID, &fb.TargetID, &fb.SourceActor,
			&fb.Content, &fb.Severity, &fb.Status, &metadata, &fb.CreatedAt, &fb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		var err error
		if fb.Metadata, err = unmarshalJSON(metadata); err != nil {
			return nil, fmt.Errorf("failed to decode feedback metadata: %w", err)
		}
		feedbacks = append(feedbacks, fb)
	}
	return feedbacks, rows.Err()
}

// Event log

func (s *SQLStore) AppendEvent(ctx context.Context, env EventEnvelope) (EventEnvelope, error) {
	payload, err := marshalJSON(env.Payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	metadata, err := marshalJSON(env.Metadata)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}
	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}

	// The subselect assigns the next stream version atomically with the
	// insert; concurrent appends serialize on the unique version index.
	err = s.db.QueryRow(ctx, `
		INSERT INTO cowork_event_log (event_id, event, aggregate_id, payload, metadata, version, occurred_at)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM cowork_event_log), $6)
		RETURNING version`,
		env.EventID, env.Event, env.AggregateID, payload, metadata, env.OccurredAt,
	).Scan(&env.Version)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to append event: %w", err)
	}
	return env, nil
}

func (s *SQLStore) EventsAfter(ctx context.Context, afterVersion int64, limit int) ([]EventEnvelope, error) {
	query := `
		SELECT event_id, event, aggregate_id, payload, metadata, version, occurred_at, delivered_at
		FROM cowork_event_log
		WHERE version > $1
		ORDER BY version ASC`
	args := []any{afterVersion}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []EventEnvelope
	for rows.Next() {
		var (
			env      EventEnvelope
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(&env.EventID, &env.Event, &env.AggregateID, &payload, &metadata,
			&env.Version, &env.OccurredAt, &env.DeliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if env.Payload, err = unmarshalJSON(payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		if env.Metadata, err = unmarshalJSON(metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
		events = append(events, env)
	}
	return events, rows.Err()
}

// Consumer checkpoints

func (s *SQLStore) Checkpoint(ctx context.Context, consumerID string) (int64, error) {
	rows, err := s.db.Query(ctx,
		"SELECT last_version FROM cowork_event_consumer_checkpoint WHERE consumer_id = $1",
		consumerID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, rows.Err()
	}
	var version int64
	if err := rows.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	return version, nil
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, consumerID string, version int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cowork_event_consumer_checkpoint (consumer_id, last_version, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_id) DO UPDATE SET last_version = $2, updated_at = $3`,
		consumerID, version, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Workflows

func (s *SQLStore) SaveDefinition(ctx context.Context, def WorkflowDefinitionRecord) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow steps: %w", err)
	}
	metadata, err := marshalJSON(def.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow metadata: %w", err)
	}

	// Definitions are immutable once published under a given (id, version).
	_, err = s.db.Exec(ctx, `
		INSERT INTO cowork_workflow_definition
			(id, version, name, trigger_event, initial_step_id, steps, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id, version) DO NOTHING`,
		def.ID, def.Version, def.Name, def.TriggerEvent, def.InitialStepID,
		steps, metadata, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow definition: %w", err)
	}
	return nil
}

func (s *SQLStore) Definitions(ctx context.Context) ([]WorkflowDefinitionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, version, name, trigger_event, initial_step_id, steps, metadata
		FROM cowork_workflow_definition
		ORDER BY id, version`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []WorkflowDefinitionRecord
	for rows.Next() {
		var (
			def      WorkflowDefinitionRecord
			steps    []byte
			metadata []byte
		)
		if err := rows.Scan(&def.ID, &def.Version, &def.Name, &def.TriggerEvent,
			&def.InitialStepID, &steps, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &def.Steps); err != nil {
				return nil, fmt.Errorf("failed to decode workflow steps: %w", err)
			}
		}
		if def.Metadata, err = unmarshalJSON(metadata); err != nil {
			return nil, fmt.Errorf("failed to decode workflow metadata: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *SQLStore) SaveInstance(ctx context.Context, inst WorkflowInstance) error {
	state, err := marshalJSON(inst.State)
	if err != nil {
		return fmt.Errorf("failed to marshal instance state: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO cowork_workflow_instance
			(instance_id, definition_id, definition_version, status, current_step_id,
			 state, trigger_event_id, started_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (instance_id) DO UPDATE SET
			status = $4, current_step_id = $5, state = $6, updated_at = $9, completed_at = $10`,
		inst.InstanceID, inst.DefinitionID, inst.DefinitionVersion, inst.Status,
		inst.CurrentStepID, state, inst.TriggerEventID, inst.StartedAt, inst.UpdatedAt,
		inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow instance: %w", err)
	}
	return nil
}

func (s *SQLStore) Instance(ctx context.Context, instanceID string) (WorkflowInstance, error) {
	rows, err := s.db.Query(ctx, selectInstanceSQL+" WHERE instance_id = $1", instanceID)
	if err != nil {
		return WorkflowInstance{}, fmt.Errorf("failed to get workflow instance: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return WorkflowInstance{}, err
		}
		return WorkflowInstance{}, fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
	}
	return scanInstance(rows)
}

func (s *SQLStore) RunningInstances(ctx context.Context) ([]WorkflowInstance, error) {
	rows, err := s.db.Query(ctx,
		selectInstanceSQL+" WHERE status = $1 ORDER BY started_at", WorkflowStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running instances: %w", err)
	}
	defer rows.Close()

	var instances []WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

const selectInstanceSQL = `
	SELECT instance_id, definition_id, definition_version, status, current_step_id,
	       state, trigger_event_id, started_at, updated_at, completed_at
	FROM cowork_workflow_instance`

func scanInstance(rows store.Rows) (WorkflowInstance, error) {
	var (
		inst  WorkflowInstance
		state []byte
	)
	if err := rows.Scan(&inst.InstanceID, &inst.DefinitionID, &inst.DefinitionVersion,
		&inst.Status, &inst.CurrentStepID, &state, &inst.TriggerEventID,
		&inst.StartedAt, &inst.UpdatedAt, &inst.CompletedAt); err != nil {
		return WorkflowInstance{}, fmt.Errorf("failed to scan workflow instance: %w", err)
	}
	var err error
	if inst.State, err = unmarshalJSON(state); err != nil {
		return WorkflowInstance{}, fmt.Errorf("failed to decode instance state: %w", err)
	}
	return inst, nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, entry WorkflowHistoryEntry) error {
	payload, err := marshalJSON(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal history payload: %w", err)
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO cowork_workflow_history
			(entry_id, instance_id, step_id, transition, event_id, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.EntryID, entry.InstanceID, entry.StepID, entry.Transition,
		entry.EventID, payload, entry.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append workflow history: %w", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, instanceID string) ([]WorkflowHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT entry_id, instance_id, step_id, transition, event_id, payload, recorded_at
		FROM cowork_workflow_history
		WHERE instance_id = $1
		ORDER BY recorded_at`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow history: %w", err)
	}
	defer rows.Close()

	var entries []WorkflowHistoryEntry
	for rows.Next() {
		var (
			entry   WorkflowHistoryEntry
			payload []byte
		)
		if err := rows.Scan(&entry.EntryID, &entry.InstanceID, &entry.StepID,
			&entry.Transition, &entry.EventID, &payload, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow history: %w", err)
		}
		if entry.Payload, err = unmarshalJSON(payload); err != nil {
			return nil, fmt.Errorf("failed to decode history payload: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Workspace snapshots

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap WorkspaceSnapshot) error {
	state, err := marshalJSON(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO cowork_workspace_snapshot (snapshot_id, workspace_id, state, taken_at)
		VALUES ($1, $2, $3, $4)`,
		snap.SnapshotID, snap.WorkspaceID, state, snap.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workspace snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) Snapshots(ctx context.Context, workspaceID string) ([]WorkspaceSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT snapshot_id, workspace_id, state, taken_at
		FROM cowork_workspace_snapshot
		WHERE workspace_id = $1
		ORDER BY taken_at`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []WorkspaceSnapshot
	for rows.Next() {
		var (
			snap  WorkspaceSnapshot
			state []byte
		)
		if err := rows.Scan(&snap.SnapshotID, &snap.WorkspaceID, &state, &snap.TakenAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace snapshot: %w", err)
		}
		if snap.State, err = unmarshalJSON(state); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot state: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}
