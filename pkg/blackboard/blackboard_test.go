package blackboard

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-labs/cowork/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestBlackboard_UpdateArtifact_MemoryOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("first write starts at version 1", func(t *testing.T) {
		bb := New()

		artifact, err := bb.UpdateArtifact(ctx, "design-doc",
			map[string]any{"rev": "a"}, "agent-a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, artifact.Version)
		assert.NotEmpty(t, artifact.ID)
		assert.Equal(t, "agent-a", artifact.UpdatedBy)
	})

	t.Run("omitted expected version follows the cache", func(t *testing.T) {
		bb := New()
		_, err := bb.UpdateArtifact(ctx, "doc", nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)

		artifact, err := bb.UpdateArtifact(ctx, "doc", nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)
		assert.Equal(t, 2, artifact.Version)
	})

	t.Run("explicit stale version conflicts", func(t *testing.T) {
		bb := New()
		_, err := bb.UpdateArtifact(ctx, "doc", nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)
		_, err = bb.UpdateArtifact(ctx, "doc", nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1", ExpectedVersion: intPtr(1)})
		require.NoError(t, err)

		_, err = bb.UpdateArtifact(ctx, "doc", nil, "b", "document",
			UpdateOptions{WorkspaceID: "ws-1", ExpectedVersion: intPtr(1)})
		var conflict *domain.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, 1, conflict.Expected)
		assert.Equal(t, 2, conflict.Actual)
	})

	t.Run("empty key or workspace is rejected", func(t *testing.T) {
		bb := New()
		_, err := bb.UpdateArtifact(ctx, "", nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		assert.Error(t, err)
		_, err = bb.UpdateArtifact(ctx, "doc", nil, "a", "document", UpdateOptions{})
		assert.Error(t, err)
	})

	t.Run("artifact ID is stable across versions", func(t *testing.T) {
		bb := New()
		first, err := bb.UpdateArtifact(ctx, "doc", nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)
		second, err := bb.UpdateArtifact(ctx, "doc", nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})
}

func TestBlackboard_UpdateArtifact_WriteThrough(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()
	bb := New()
	require.NoError(t, bb.ConfigurePersistence(ctx, store, PersistenceOptions{}))

	artifact, err := bb.UpdateArtifact(ctx, "plan",
		map[string]any{"phase": 1}, "agent-a", "plan",
		UpdateOptions{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, artifact.Version)

	entries, err := store.Entries(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "plan", entries[0].ArtifactKey)
	assert.Equal(t, 1, entries[0].Version)
}

// Two writers race on the same key with the same expected version; exactly
// one wins and the loser's conflict carries the winner's version. The cache
// must reflect the winning write only.
func TestBlackboard_UpdateArtifact_RacingWriters(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()
	bb := New()
	require.NoError(t, bb.ConfigurePersistence(ctx, store, PersistenceOptions{}))

	_, err := bb.UpdateArtifact(ctx, "plan", map[string]any{"rev": "base"}, "a", "plan",
		UpdateOptions{WorkspaceID: "ws-1"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for _, actor := range []string{"writer-1", "writer-2"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			<-start
			_, err := bb.UpdateArtifact(ctx, "plan",
				map[string]any{"rev": actor}, actor, "plan",
				UpdateOptions{WorkspaceID: "ws-1", ExpectedVersion: intPtr(1)})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if domain.IsConflict(err) {
				conflicts++
			}
		}(actor)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	artifact, ok := bb.Artifact("ws-1", "plan")
	require.True(t, ok)
	assert.Equal(t, 2, artifact.Version)
}

func TestBlackboard_AddFeedback(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()
	bb := New()
	require.NoError(t, bb.ConfigurePersistence(ctx, store, PersistenceOptions{}))

	fb, err := bb.AddFeedback(ctx, "agent-reviewer", "design-doc",
		"needs a threat model", "warning", map[string]any{"section": 3},
		UpdateOptions{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, fb.ID)
	assert.Equal(t, "warning", fb.Severity)

	_, err = bb.AddFeedback(ctx, "agent-reviewer", "design-doc",
		"second note", "", nil, UpdateOptions{WorkspaceID: "ws-1"})
	require.NoError(t, err)

	cached := bb.Feedbacks("ws-1")
	require.Len(t, cached, 2)
	assert.Equal(t, "needs a threat model", cached[0].Content)
	assert.Equal(t, "info", cached[1].Severity)

	persisted, err := store.Feedbacks(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestBlackboard_HydrationRecoversPriorState(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()

	ws, err := store.CreateWorkspace(ctx, "research", nil)
	require.NoError(t, err)

	first := New()
	require.NoError(t, first.ConfigurePersistence(ctx, store, PersistenceOptions{}))
	_, err = first.UpdateArtifact(ctx, "doc", map[string]any{"rev": "a"}, "a", "document",
		UpdateOptions{WorkspaceID: ws.ID})
	require.NoError(t, err)
	_, err = first.AddFeedback(ctx, "reviewer", "doc", "looks fine", "info", nil,
		UpdateOptions{WorkspaceID: ws.ID})
	require.NoError(t, err)

	// A fresh process hydrates the same state back into its cache.
	second := New()
	require.NoError(t, second.ConfigurePersistence(ctx, store, PersistenceOptions{HydrateFromStore: true}))

	artifact, ok := second.Artifact(ws.ID, "doc")
	require.True(t, ok)
	assert.Equal(t, 1, artifact.Version)
	assert.Equal(t, "a", artifact.Payload["rev"])
	assert.Len(t, second.Feedbacks(ws.ID), 1)
}

func TestBlackboard_HydrationCoversUnregisteredWorkspaces(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()

	// Artifacts and feedback written under a workspace ID without a
	// workspace record, the way the coordinator's audit trail writes them.
	first := New()
	require.NoError(t, first.ConfigurePersistence(ctx, store, PersistenceOptions{}))
	_, err := first.UpdateArtifact(ctx, "audit:message:m1", map[string]any{"from": "a"},
		"coordinator", "audit", UpdateOptions{WorkspaceID: "coordination"})
	require.NoError(t, err)
	_, err = first.AddFeedback(ctx, "reviewer", "audit:message:m1", "checked", "info", nil,
		UpdateOptions{WorkspaceID: "coordination"})
	require.NoError(t, err)

	second := New()
	require.NoError(t, second.ConfigurePersistence(ctx, store, PersistenceOptions{HydrateFromStore: true}))

	artifact, ok := second.Artifact("coordination", "audit:message:m1")
	require.True(t, ok)
	assert.Equal(t, 1, artifact.Version)
	assert.Equal(t, "a", artifact.Payload["from"])
	assert.Len(t, second.Feedbacks("coordination"), 1)
}

func TestBlackboard_ClearResetsMemoryOnly(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()
	ws, err := store.CreateWorkspace(ctx, "research", nil)
	require.NoError(t, err)

	bb := New()
	require.NoError(t, bb.ConfigurePersistence(ctx, store, PersistenceOptions{}))
	_, err = bb.UpdateArtifact(ctx, "doc", nil, "a", "document",
		UpdateOptions{WorkspaceID: ws.ID})
	require.NoError(t, err)

	bb.Clear()
	_, ok := bb.Artifact(ws.ID, "doc")
	assert.False(t, ok)

	entries, err := store.Entries(ctx, ws.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBlackboard_FlushPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op without a store", func(t *testing.T) {
		assert.NoError(t, New().FlushPersistence(ctx))
	})

	t.Run("reports a reachable store", func(t *testing.T) {
		bb := New()
		require.NoError(t, bb.ConfigurePersistence(ctx, domain.NewMemoryStore(), PersistenceOptions{}))
		assert.NoError(t, bb.FlushPersistence(ctx))
	})
}

func TestBlackboard_Artifacts_SortedByKey(t *testing.T) {
	ctx := context.Background()
	bb := New()
	for _, key := range []string{"zeta", "alpha", "mid"} {
		_, err := bb.UpdateArtifact(ctx, key, nil, "a", "document",
			UpdateOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)
	}

	artifacts := bb.Artifacts("ws-1")
	require.Len(t, artifacts, 3)
	assert.Equal(t, "alpha", artifacts[0].Key)
	assert.Equal(t, "mid", artifacts[1].Key)
	assert.Equal(t, "zeta", artifacts[2].Key)
}
