package blackboard

import (
	"time"

	"github.com/cowork-labs/cowork/internal/domain"
)

// Artifact is one versioned entry on the blackboard.
type Artifact struct {
	ID          string         `json:"id"`           // UUID - stable across versions of the same key
	Key         string         `json:"key"`          // Caller-chosen artifact key, unique per workspace
	Type        string         `json:"type"`         // User-defined domain type (e.g. "document", "plan")
	WorkspaceID string         `json:"workspace_id"` // Workspace this artifact belongs to
	Version     int            `json:"version"`      // Increases by exactly 1 per successful write
	Payload     map[string]any `json:"payload"`      // Artifact content
	UpdatedBy   string         `json:"updated_by"`   // Actor that wrote this version
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Feedback is one append-only annotation on an artifact or agent.
type Feedback struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	TargetID    string         `json:"target_id"`    // Artifact key or agent ID this feedback addresses
	SourceActor string         `json:"source_actor"` // Actor that raised the feedback
	Content     string         `json:"content"`
	Severity    string         `json:"severity"` // info, warning or blocking
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// UpdateOptions scope a write.
type UpdateOptions struct {
	// WorkspaceID selects the workspace. Required.
	WorkspaceID string
	// ExpectedVersion is the version the writer last observed; 0 means the
	// key must not exist yet. When nil, the cached version is used, so a
	// single uncoordinated writer never has to track versions itself.
	ExpectedVersion *int
}

// PersistenceOptions configure ConfigurePersistence.
type PersistenceOptions struct {
	// HydrateFromStore loads existing artifacts and feedback into the cache
	// so a fresh process recovers prior state instead of starting empty.
	HydrateFromStore bool
}

func artifactFromEntry(entry domain.BlackboardEntry) Artifact {
	return Artifact{
		ID:          entry.ArtifactID,
		Key:         entry.ArtifactKey,
		Type:        entry.ArtifactType,
		WorkspaceID: entry.WorkspaceID,
		Version:     entry.Version,
		Payload:     entry.Payload,
		UpdatedBy:   entry.Source,
		UpdatedAt:   entry.UpdatedAt,
	}
}

func feedbackFromRecord(fb domain.Feedback) Feedback {
	return Feedback{
		ID:          fb.FeedbackID,
		WorkspaceID: fb.WorkspaceID,
		TargetID:    fb.TargetID,
		SourceActor: fb.SourceActor,
		Content:     fb.Content,
		Severity:    fb.Severity,
		Metadata:    fb.Metadata,
		CreatedAt:   fb.CreatedAt,
	}
}
