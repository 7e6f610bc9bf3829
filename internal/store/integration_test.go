//go:build integration

package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/store"
)

// setupPostgres starts a PostgreSQL container and returns connection
// parameters.
func setupPostgres(t *testing.T) (store.DBConfig, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cowork",
			"POSTGRES_PASSWORD": "cowork",
			"POSTGRES_DB":       "cowork_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := store.DBConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "cowork",
		Password: "cowork",
		Name:     "cowork_test",
		SSLMode:  "disable",
	}
	cleanup := func() {
		if err := pgC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}
	return cfg, cleanup
}

func setupManager(t *testing.T) (*store.Manager, func()) {
	ctx := context.Background()
	cfg, cleanup := setupPostgres(t)

	pool, err := store.NewPgxPool(ctx, cfg)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to connect: %v", err)
	}

	migrationsDir, err := filepath.Abs("../../migrations")
	require.NoError(t, err)
	manager := store.NewManager(pool, migrationsDir, zap.NewNop())

	return manager, func() {
		manager.Close()
		cleanup()
	}
}

func TestIntegration_MigrationsAreIdempotent(t *testing.T) {
	manager, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	first, err := manager.Migrate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Applied)
	assert.Empty(t, first.Skipped)

	// A second manager against the same database skips everything.
	second := store.NewManager(manager.Pool(), filepath.Join("..", "..", "migrations"), zap.NewNop())
	result, err := second.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Len(t, result.Skipped, len(first.Applied))
}

func TestIntegration_RepositoryRoundTrip(t *testing.T) {
	manager, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	_, err := manager.Migrate(ctx)
	require.NoError(t, err)

	repo, err := manager.Repository("workspace")
	require.NoError(t, err)

	created, err := repo.Create(ctx, map[string]any{"name": "research", "tier": "gold"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "research", got.Payload["name"])

	updated, err := repo.Update(ctx, created.ID, map[string]any{"tier": "platinum"})
	require.NoError(t, err)
	assert.Equal(t, "platinum", updated.Payload["tier"])
	assert.Equal(t, "research", updated.Payload["name"])

	found, err := repo.Find(ctx, store.Filter{Payload: map[string]any{"tier": "platinum"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created.ID, found[0].ID)

	exists, err := repo.Exists(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIntegration_BlackboardCASAgainstPostgres(t *testing.T) {
	manager, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	_, err := manager.Migrate(ctx)
	require.NoError(t, err)

	s := domain.NewSQLStore(manager)
	entry := domain.BlackboardEntry{
		WorkspaceID: "ws-1",
		ArtifactKey: "plan",
		ArtifactID:  "art-1",
		Payload:     map[string]any{"rev": "base"},
	}

	created, err := s.UpsertEntry(ctx, entry, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	type outcome struct {
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.UpsertEntry(ctx, entry, 1)
			results <- outcome{err: err}
		}()
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			wins++
			continue
		}
		require.True(t, domain.IsConflict(res.err), "unexpected error: %v", res.err)
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	entries, err := s.Entries(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Version)
}

func TestIntegration_EventVersionsAreContiguous(t *testing.T) {
	manager, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	_, err := manager.Migrate(ctx)
	require.NoError(t, err)

	s := domain.NewSQLStore(manager)
	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, domain.EventEnvelope{
			Event:   fmt.Sprintf("tick:%d", i),
			Payload: map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	events, err := s.EventsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, env := range events {
		assert.Equal(t, int64(i+1), env.Version)
	}

	require.NoError(t, s.SaveCheckpoint(ctx, "worker", 3))
	after, err := s.EventsAfter(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, after, 2)

	checkpoint, err := s.Checkpoint(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, int64(3), checkpoint)
}
