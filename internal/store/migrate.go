package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const migrationsTable = "cowork_migrations"

const createMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (
	name        TEXT PRIMARY KEY,
	checksum    TEXT NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// MigrationResult reports what a Migrate call did.
type MigrationResult struct {
	Applied []string
	Skipped []string
}

// migrationRun is the shared state of one in-flight Migrate call. Concurrent
// callers within the same process wait on done and receive the same result.
type migrationRun struct {
	done   chan struct{}
	result *MigrationResult
	err    error
}

// Migrate ensures the migrations table exists, then applies every *.sql file
// in the configured directory, sorted by name, exactly once.
//
// An already-recorded name with a matching checksum is skipped. A recorded
// name whose file content changed is a hard integrity violation that halts
// all further migrations. Each pending file runs its SQL plus the checksum
// insert inside one transaction; failure rolls that transaction back and
// aborts the run.
//
// Concurrent callers in the same process share one in-flight run, so Migrate
// is safe to call redundantly.
func (m *Manager) Migrate(ctx context.Context) (*MigrationResult, error) {
	m.mu.Lock()
	if run := m.migration; run != nil {
		m.mu.Unlock()
		select {
		case <-run.done:
			return run.result, run.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	run := &migrationRun{done: make(chan struct{})}
	m.migration = run
	m.mu.Unlock()

	run.result, run.err = m.runMigrations(ctx)
	close(run.done)

	m.mu.Lock()
	m.migration = nil
	m.mu.Unlock()

	return run.result, run.err
}

func (m *Manager) runMigrations(ctx context.Context) (*MigrationResult, error) {
	if m.pool == nil {
		return nil, newError(CodeDriverUnavailable, "store.Migrate", nil)
	}

	if _, err := m.pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return nil, newError(CodeMigrationFailed, "store.Migrate", err,
			"reason", "failed to create migrations table")
	}

	files, err := listMigrationFiles(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	applied, err := m.recordedChecksums(ctx)
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{}
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, name))
		if err != nil {
			return nil, newError(CodeMigrationFailed, "store.Migrate", err, "migration", name)
		}
		checksum := checksumSQL(content)

		if recorded, ok := applied[name]; ok {
			if recorded != checksum {
				return nil, newError(CodeMigrationIntegrity, "store.Migrate", nil,
					"migration", name, "recorded_checksum", recorded, "file_checksum", checksum)
			}
			result.Skipped = append(result.Skipped, name)
			continue
		}

		if err := m.applyMigration(ctx, name, string(content), checksum); err != nil {
			return nil, err
		}
		m.logger.Info("applied migration", zap.String("migration", name))
		result.Applied = append(result.Applied, name)
	}

	return result, nil
}

// applyMigration runs one migration's SQL plus its checksum-recording insert
// inside a single transaction.
func (m *Manager) applyMigration(ctx context.Context, name, sql, checksum string) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return newError(CodeTxBegin, "store.Migrate", err, "migration", name)
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return newError(CodeMigrationFailed, "store.Migrate", err, "migration", name)
	}

	insert := "INSERT INTO " + migrationsTable + " (name, checksum, executed_at) VALUES ($1, $2, $3)"
	if _, err := tx.Exec(ctx, insert, name, checksum, time.Now().UTC()); err != nil {
		_ = tx.Rollback(ctx)
		return newError(CodeMigrationFailed, "store.Migrate", err,
			"migration", name, "reason", "failed to record checksum")
	}

	if err := tx.Commit(ctx); err != nil {
		return newError(CodeMigrationFailed, "store.Migrate", err, "migration", name)
	}
	return nil
}

func (m *Manager) recordedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.pool.Query(ctx, "SELECT name, checksum FROM "+migrationsTable)
	if err != nil {
		return nil, newError(CodeMigrationFailed, "store.Migrate", err,
			"reason", "failed to list recorded migrations")
	}
	defer rows.Close()

	recorded := make(map[string]string)
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			return nil, newError(CodeMigrationFailed, "store.Migrate", err)
		}
		recorded[name] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, newError(CodeMigrationFailed, "store.Migrate", err)
	}
	return recorded, nil
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, newError(CodeMigrationFailed, "store.Migrate", err,
			"reason", "failed to read migrations directory", "dir", dir)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

// checksumSQL computes the sha256 of a migration file's SQL text.
func checksumSQL(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
