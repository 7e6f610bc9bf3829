package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entityTables maps entity types to their fixed table names. Repositories
// can only be created for entries in this registry.
var entityTables = map[string]string{
	"workspace": "cowork_workspace",
	"artifact":  "cowork_artifact",
	"feedback":  "cowork_feedback",
	"evidence":  "cowork_evidence",
}

// Manager owns the database connection pool and exposes generic repositories,
// transactions, migrations and health checks. Higher layers never touch the
// pool directly for entity storage.
type Manager struct {
	pool          Pool
	logger        *zap.Logger
	migrationsDir string

	mu        sync.Mutex
	repos     map[string]*Repository
	migration *migrationRun
}

// NewManager builds a Manager over an open pool. migrationsDir points at the
// directory of numbered *.sql files.
func NewManager(pool Pool, migrationsDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pool:          pool,
		logger:        logger,
		migrationsDir: migrationsDir,
		repos:         make(map[string]*Repository),
	}
}

// Pool exposes the underlying pool for the typed domain store. Components
// outside internal/domain should use repositories instead.
func (m *Manager) Pool() Pool {
	return m.pool
}

// Repository returns the cached generic repository for an entity type.
// Unknown entity types fail before any SQL is issued.
func (m *Manager) Repository(entityType string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if repo, ok := m.repos[entityType]; ok {
		return repo, nil
	}

	table, ok := entityTables[entityType]
	if !ok {
		return nil, newError(CodeUnknownEntity, "store.Repository", nil, "entity_type", entityType)
	}

	repo, err := NewRepository(m.pool, table)
	if err != nil {
		return nil, err
	}
	m.repos[entityType] = repo
	return repo, nil
}

// Begin starts a database transaction.
func (m *Manager) Begin(ctx context.Context) (Tx, error) {
	if m.pool == nil {
		return nil, newError(CodeDriverUnavailable, "store.Begin", nil)
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, newError(CodeTxBegin, "store.Begin", err)
	}
	return tx, nil
}

// HealthStatus reports the outcome of a health check.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Err     string
}

// HealthCheck executes a trivial query and reports the result. Failures are
// reported in the status, never returned as errors.
func (m *Manager) HealthCheck(ctx context.Context) HealthStatus {
	if m.pool == nil {
		return HealthStatus{Healthy: false, Err: "no connection pool"}
	}

	start := time.Now()
	var one int
	err := m.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	status := HealthStatus{Latency: time.Since(start)}
	if err != nil {
		status.Err = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// Close releases the connection pool.
func (m *Manager) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}
