// Package app wires the cowork components into one explicitly constructed
// application: connection pool, persistence manager, domain store, event bus,
// blackboard, workflow engine and coordinator. Nothing here is a process
// singleton; tests build as many App values as they need.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cowork-labs/cowork/internal/config"
	"github.com/cowork-labs/cowork/internal/coordinator"
	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/eventbus"
	"github.com/cowork-labs/cowork/internal/store"
	"github.com/cowork-labs/cowork/internal/workflow"
	"github.com/cowork-labs/cowork/pkg/blackboard"
)

// App owns the component graph. Build with New, then Init before use.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool        store.Pool
	Manager     *store.Manager
	Store       domain.Store
	Bus         *eventbus.Bus
	Blackboard  *blackboard.Blackboard
	Engine      *workflow.Engine
	Coordinator *coordinator.Coordinator

	started bool
}

// New creates an unstarted App.
func New(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

// Init connects to the database, optionally runs migrations, hydrates the
// blackboard and workflow engine, and starts the engine and the bus
// dispatcher. Components start in dependency order; a failure leaves nothing
// half-started that Close cannot unwind.
func (a *App) Init(ctx context.Context) error {
	pool, err := store.NewPgxPool(ctx, a.cfg.DBConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.pool = pool
	a.Manager = store.NewManager(pool, a.cfg.Migrations.Dir, a.logger)

	if a.cfg.Migrations.Auto {
		result, err := a.Manager.Migrate(ctx)
		if err != nil {
			a.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.logger.Info("migrations complete",
			zap.Strings("applied", result.Applied),
			zap.Strings("skipped", result.Skipped))
	}

	a.Store = domain.NewSQLStore(a.Manager)
	a.Bus = eventbus.New(eventbus.WithStore(a.Store), eventbus.WithLogger(a.logger))

	a.Blackboard = blackboard.New(blackboard.WithLogger(a.logger))
	if err := a.Blackboard.ConfigurePersistence(ctx, a.Store, blackboard.PersistenceOptions{
		HydrateFromStore: true,
	}); err != nil {
		a.Close()
		return fmt.Errorf("failed to hydrate blackboard: %w", err)
	}

	a.Engine = workflow.NewEngine(a.Bus, workflow.WithLogger(a.logger))
	if err := a.Engine.ConfigurePersistence(ctx, a.Store); err != nil {
		a.Close()
		return fmt.Errorf("failed to hydrate workflow engine: %w", err)
	}
	if err := a.Engine.Start(ctx); err != nil {
		a.Close()
		return fmt.Errorf("failed to start workflow engine: %w", err)
	}

	a.Coordinator = coordinator.New(a.Bus, a.Blackboard,
		coordinator.WithPolicy(a.cfg.Policy()),
		coordinator.WithLogger(a.logger))

	a.Bus.StartDispatcher(a.cfg.Dispatcher.PollInterval(), a.cfg.Dispatcher.BatchSize)
	a.started = true

	a.logger.Info("application initialized",
		zap.String("database", a.cfg.Database.Name),
		zap.Bool("auto_migrate", a.cfg.Migrations.Auto))
	return nil
}

// Close stops components in reverse dependency order. Safe to call after a
// failed Init.
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.StopDispatcher()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.Manager != nil {
		a.Manager.Close()
		a.Manager = nil
		a.pool = nil
	} else if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	a.started = false
}
