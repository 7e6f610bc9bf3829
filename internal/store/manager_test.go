package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerRepository(t *testing.T) {
	mgr := NewManager(&fakePool{}, t.TempDir(), zap.NewNop())

	t.Run("returns repository for known entity type", func(t *testing.T) {
		repo, err := mgr.Repository("workspace")
		require.NoError(t, err)
		assert.Equal(t, "cowork_workspace", repo.Table())
	})

	t.Run("caches repositories per entity type", func(t *testing.T) {
		first, err := mgr.Repository("artifact")
		require.NoError(t, err)
		second, err := mgr.Repository("artifact")
		require.NoError(t, err)
		assert.Same(t, first, second)
	})

	t.Run("unknown entity type fails before any SQL", func(t *testing.T) {
		pool := &fakePool{}
		m := NewManager(pool, t.TempDir(), zap.NewNop())
		_, err := m.Repository("spaceship")
		require.Error(t, err)
		assert.Equal(t, CodeUnknownEntity, CodeOf(err))
		assert.Empty(t, pool.calls)
	})
}

func TestManagerBegin(t *testing.T) {
	t.Run("wraps begin failure", func(t *testing.T) {
		pool := &fakePool{beginErr: errors.New("pool exhausted")}
		mgr := NewManager(pool, t.TempDir(), zap.NewNop())
		_, err := mgr.Begin(context.Background())
		require.Error(t, err)
		assert.Equal(t, CodeTxBegin, CodeOf(err))
	})

	t.Run("commit and rollback are idempotent", func(t *testing.T) {
		pool := &fakePool{}
		mgr := NewManager(pool, t.TempDir(), zap.NewNop())
		tx, err := mgr.Begin(context.Background())
		require.NoError(t, err)

		require.NoError(t, tx.Commit(context.Background()))
		require.NoError(t, tx.Commit(context.Background()))
		require.NoError(t, tx.Rollback(context.Background()))
		assert.Equal(t, 1, pool.commits)
		assert.Equal(t, 0, pool.rollbacks)
	})
}

func TestManagerHealthCheck(t *testing.T) {
	t.Run("healthy pool", func(t *testing.T) {
		pool := &fakePool{}
		pool.respond(fakeResult{rows: [][]any{{1}}})
		mgr := NewManager(pool, t.TempDir(), zap.NewNop())

		status := mgr.HealthCheck(context.Background())
		assert.True(t, status.Healthy)
		assert.Empty(t, status.Err)
	})

	t.Run("failure is reported, not propagated", func(t *testing.T) {
		pool := &fakePool{}
		pool.respond(fakeResult{err: errors.New("connection refused")})
		mgr := NewManager(pool, t.TempDir(), zap.NewNop())

		status := mgr.HealthCheck(context.Background())
		assert.False(t, status.Healthy)
		assert.Contains(t, status.Err, "connection refused")
	})

	t.Run("nil pool", func(t *testing.T) {
		mgr := NewManager(nil, t.TempDir(), zap.NewNop())
		status := mgr.HealthCheck(context.Background())
		assert.False(t, status.Healthy)
	})
}
