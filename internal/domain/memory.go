package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entryKey struct {
	workspaceID string
	artifactKey string
}

// MemoryStore is an in-memory Store with the same version and conflict
// semantics as the SQL-backed one. It backs tests and ephemeral runs where
// no database is configured.
type MemoryStore struct {
	mu          sync.Mutex
	workspaces  map[string]Workspace
	entries     map[entryKey]BlackboardEntry
	feedbacks   map[string][]Feedback
	events      []EventEnvelope
	nextVersion int64
	checkpoints map[string]int64
	definitions map[string]WorkflowDefinitionRecord
	defOrder    []string
	instances   map[string]WorkflowInstance
	history     map[string][]WorkflowHistoryEntry
	snapshots   map[string][]WorkspaceSnapshot
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:  make(map[string]Workspace),
		entries:     make(map[entryKey]BlackboardEntry),
		feedbacks:   make(map[string][]Feedback),
		checkpoints: make(map[string]int64),
		definitions: make(map[string]WorkflowDefinitionRecord),
		instances:   make(map[string]WorkflowInstance),
		history:     make(map[string][]WorkflowHistoryEntry),
		snapshots:   make(map[string][]WorkspaceSnapshot),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) CreateWorkspace(_ context.Context, name string, metadata map[string]any) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ws := Workspace{
		ID:        uuid.New().String(),
		Name:      name,
		Metadata:  cloneMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.workspaces[ws.ID] = ws
	return ws, nil
}

func (s *MemoryStore) Workspace(_ context.Context, id string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[id]
	if !ok {
		return Workspace{}, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return ws, nil
}

func (s *MemoryStore) Workspaces(_ context.Context) ([]Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertEntry(_ context.Context, entry BlackboardEntry, expectedVersion int) (BlackboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{workspaceID: entry.WorkspaceID, artifactKey: entry.ArtifactKey}
	current, exists := s.entries[key]

	switch {
	case expectedVersion == 0 && exists:
		return BlackboardEntry{}, &ConflictError{
			WorkspaceID: entry.WorkspaceID,
			ArtifactKey: entry.ArtifactKey,
			Expected:    expectedVersion,
			Actual:      current.Version,
		}
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		actual := -1
		if exists {
			actual = current.Version
		}
		return BlackboardEntry{}, &ConflictError{
			WorkspaceID: entry.WorkspaceID,
			ArtifactKey: entry.ArtifactKey,
			Expected:    expectedVersion,
			Actual:      actual,
		}
	}

	entry.Version = expectedVersion + 1
	entry.UpdatedAt = time.Now().UTC()
	entry.Payload = cloneMap(entry.Payload)
	s.entries[key] = entry
	return entry, nil
}

func (s *MemoryStore) Entries(_ context.Context, workspaceID string) ([]BlackboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []BlackboardEntry
	for key, entry := range s.entries {
		if key.workspaceID == workspaceID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactKey < out[j].ArtifactKey })
	return out, nil
}

func (s *MemoryStore) AllEntries(_ context.Context) ([]BlackboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BlackboardEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkspaceID != out[j].WorkspaceID {
			return out[i].WorkspaceID < out[j].WorkspaceID
		}
		return out[i].ArtifactKey < out[j].ArtifactKey
	})
	return out, nil
}

func (s *MemoryStore) AppendFeedback(_ context.Context, fb Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fb.FeedbackID == "" {
		fb.FeedbackID = uuid.New().String()
	}
	fb.Metadata = cloneMap(fb.Metadata)
	s.feedbacks[fb.WorkspaceID] = append(s.feedbacks[fb.WorkspaceID], fb)
	return nil
}

func (s *MemoryStore) Feedbacks(_ context.Context, workspaceID string) ([]Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Feedback, len(s.feedbacks[workspaceID]))
	copy(out, s.feedbacks[workspaceID])
	return out, nil
}

func (s *MemoryStore) AllFeedbacks(_ context.Context) ([]Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.feedbacks))
	for id := range s.feedbacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Feedback
	for _, id := range ids {
		out = append(out, s.feedbacks[id]...)
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, env EventEnvelope) (EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	s.nextVersion++
	env.Version = s.nextVersion
	env.Payload = cloneMap(env.Payload)
	env.Metadata = cloneMap(env.Metadata)
	s.events = append(s.events, env)
	return env, nil
}

func (s *MemoryStore) EventsAfter(_ context.Context, afterVersion int64, limit int) ([]EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EventEnvelope
	for _, env := range s.events {
		if env.Version > afterVersion {
			out = append(out, env)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Checkpoint(_ context.Context, consumerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[consumerID], nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, consumerID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[consumerID] = version
	return nil
}

func definitionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def WorkflowDefinitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := definitionKey(def.ID, def.Version)
	if _, exists := s.definitions[key]; exists {
		return nil
	}
	s.definitions[key] = def
	s.defOrder = append(s.defOrder, key)
	return nil
}

func (s *MemoryStore) Definitions(_ context.Context) ([]WorkflowDefinitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkflowDefinitionRecord, 0, len(s.defOrder))
	for _, key := range s.defOrder {
		out = append(out, s.definitions[key])
	}
	return out, nil
}

func (s *MemoryStore) SaveInstance(_ context.Context, inst WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst.State = cloneMap(inst.State)
	s.instances[inst.InstanceID] = inst
	return nil
}

func (s *MemoryStore) Instance(_ context.Context, instanceID string) (WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return WorkflowInstance{}, fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
	}
	return inst, nil
}

func (s *MemoryStore) RunningInstances(_ context.Context) ([]WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == WorkflowStatusRunning {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry WorkflowHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	entry.Payload = cloneMap(entry.Payload)
	s.history[entry.InstanceID] = append(s.history[entry.InstanceID], entry)
	return nil
}

func (s *MemoryStore) History(_ context.Context, instanceID string) ([]WorkflowHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkflowHistoryEntry, len(s.history[instanceID]))
	copy(out, s.history[instanceID])
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap WorkspaceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	snap.State = cloneMap(snap.State)
	s.snapshots[snap.WorkspaceID] = append(s.snapshots[snap.WorkspaceID], snap)
	return nil
}

func (s *MemoryStore) Snapshots(_ context.Context, workspaceID string) ([]WorkspaceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkspaceSnapshot, len(s.snapshots[workspaceID]))
	copy(out, s.snapshots[workspaceID])
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLStore)(nil)
