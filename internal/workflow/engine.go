package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/eventbus"
)

// consumerID is the engine's durable consumer name on the event bus.
const consumerID = "workflow-engine"

// PreconditionError reports an engine method that needs persistence before
// ConfigurePersistence was called.
type PreconditionError struct {
	Op string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: persistence not configured", e.Op)
}

// IsPrecondition reports whether err is an engine precondition failure.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

type defKey struct {
	id      string
	version int
}

// Engine drives workflow instances from events. It consumes the bus as the
// durable consumer "workflow-engine" with replay, so events published while
// the engine was stopped are processed on the next start.
type Engine struct {
	bus      *eventbus.Bus
	logger   *zap.Logger
	reducers *ReducerRegistry

	mu          sync.Mutex
	store       domain.Store
	definitions map[defKey]Definition
	running     map[string]domain.WorkflowInstance
	unsubscribe func()

	// eventMu serializes event handling: one delivered event is processed to
	// completion across all definitions and instances before the next.
	eventMu sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithReducerRegistry replaces the default registry.
func WithReducerRegistry(registry *ReducerRegistry) EngineOption {
	return func(e *Engine) { e.reducers = registry }
}

// NewEngine creates an engine bound to the bus. ConfigurePersistence must be
// called before Start or any persisting method.
func NewEngine(bus *eventbus.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		bus:         bus,
		logger:      zap.NewNop(),
		reducers:    NewReducerRegistry(),
		definitions: make(map[defKey]Definition),
		running:     make(map[string]domain.WorkflowInstance),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reducers exposes the engine's reducer registry so callers can register
// named reducers before definitions hydrate.
func (e *Engine) Reducers() *ReducerRegistry {
	return e.reducers
}

// ConfigurePersistence attaches the store and hydrates persisted definitions
// and running instances. In-flight workflows resume exactly where the
// previous process left them.
func (e *Engine) ConfigurePersistence(ctx context.Context, store domain.Store) error {
	defs, err := store.Definitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate workflow definitions: %w", err)
	}
	instances, err := store.RunningInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate running instances: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
	for _, rec := range defs {
		def := definitionFromRecord(rec)
		e.definitions[defKey{id: def.ID, version: def.Version}] = def
	}
	for _, inst := range instances {
		e.running[inst.InstanceID] = inst
	}

	e.logger.Info("workflow engine hydrated",
		zap.Int("definitions", len(defs)),
		zap.Int("running_instances", len(instances)))
	return nil
}

// RegisterDefinition validates and registers a definition. With persist set
// the serialized steps are written to the store; steps carry reducer names,
// never functions.
func (e *Engine) RegisterDefinition(ctx context.Context, def Definition, persist bool) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	store := e.store
	if persist && store == nil {
		e.mu.Unlock()
		return &PreconditionError{Op: "register definition"}
	}
	e.definitions[defKey{id: def.ID, version: def.Version}] = def
	e.mu.Unlock()

	if persist {
		if err := store.SaveDefinition(ctx, def.toRecord()); err != nil {
			return fmt.Errorf("failed to persist workflow definition %s: %w", def.ID, err)
		}
	}
	return nil
}

// Start subscribes the engine to the bus. Replay from the engine's durable
// checkpoint catches up on anything published while it was stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.store == nil {
		e.mu.Unlock()
		return &PreconditionError{Op: "start engine"}
	}
	if e.unsubscribe != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	unsubscribe, err := e.bus.Subscribe(ctx, "*", e.handleEvent, eventbus.SubscribeOptions{
		ConsumerID:           consumerID,
		Durable:              true,
		ReplayFromCheckpoint: true,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe workflow engine: %w", err)
	}

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	e.logger.Info("workflow engine started")
	return nil
}

// Stop unsubscribes from the bus. Persisted state is untouched; a later
// Start resumes from the durable checkpoint.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		e.logger.Info("workflow engine stopped")
	}
}

// Instance returns one instance from the store.
func (e *Engine) Instance(ctx context.Context, instanceID string) (domain.WorkflowInstance, error) {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	if store == nil {
		return domain.WorkflowInstance{}, &PreconditionError{Op: "get instance"}
	}
	return store.Instance(ctx, instanceID)
}

// History returns an instance's transition log from the store.
func (e *Engine) History(ctx context.Context, instanceID string) ([]domain.WorkflowHistoryEntry, error) {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	if store == nil {
		return nil, &PreconditionError{Op: "get history"}
	}
	return store.History(ctx, instanceID)
}

// handleEvent processes one delivered event: first new instances for every
// definition the event triggers, then transitions for running instances
// whose current step is waiting on it.
func (e *Engine) handleEvent(ctx context.Context, env domain.EventEnvelope) {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()

	e.mu.Lock()
	store := e.store
	defs := make([]Definition, 0, len(e.definitions))
	for _, def := range e.definitions {
		defs = append(defs, def)
	}
	instances := make([]domain.WorkflowInstance, 0, len(e.running))
	for _, inst := range e.running {
		instances = append(instances, inst)
	}
	e.mu.Unlock()

	if store == nil {
		return
	}

	// Instances transition before new ones start so a freshly created
	// instance never consumes its own trigger event. Started instances are
	// additionally excluded by TriggerEventID on later deliveries of the
	// same envelope.
	for _, inst := range instances {
		if inst.TriggerEventID == env.EventID {
			continue
		}
		e.advance(ctx, store, inst, env)
	}
	for _, def := range defs {
		matcher, err := eventbus.CompilePattern(def.TriggerEvent)
		if err != nil || !matcher.Matches(env.Event) {
			continue
		}
		e.startInstance(ctx, store, def, env)
	}
}

func (e *Engine) startInstance(ctx context.Context, store domain.Store, def Definition, env domain.EventEnvelope) {
	now := time.Now().UTC()
	inst := domain.WorkflowInstance{
		InstanceID:        uuid.New().String(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            domain.WorkflowStatusRunning,
		CurrentStepID:     def.InitialStepID,
		State:             MergeLastEvent(nil, env.Payload, env),
		TriggerEventID:    env.EventID,
		StartedAt:         now,
		UpdatedAt:         now,
	}

	if err := store.SaveInstance(ctx, inst); err != nil {
		e.logger.Error("failed to persist new workflow instance",
			zap.String("definition", def.ID),
			zap.Error(err))
		return
	}
	if err := store.AppendHistory(ctx, domain.WorkflowHistoryEntry{
		InstanceID: inst.InstanceID,
		StepID:     inst.CurrentStepID,
		Transition: "workflow_started",
		EventID:    env.EventID,
		Payload:    env.Payload,
	}); err != nil {
		e.logger.Error("failed to record workflow history",
			zap.String("instance", inst.InstanceID),
			zap.Error(err))
	}

	e.mu.Lock()
	e.running[inst.InstanceID] = inst
	e.mu.Unlock()

	e.logger.Info("workflow instance started",
		zap.String("definition", def.ID),
		zap.String("instance", inst.InstanceID),
		zap.String("trigger", env.Event))
}

func (e *Engine) advance(ctx context.Context, store domain.Store, inst domain.WorkflowInstance, env domain.EventEnvelope) {
	e.mu.Lock()
	def, ok := e.definitions[defKey{id: inst.DefinitionID, version: inst.DefinitionVersion}]
	e.mu.Unlock()
	if !ok {
		return
	}
	step, ok := def.step(inst.CurrentStepID)
	if !ok {
		return
	}
	matcher, err := eventbus.CompilePattern(step.OnEvent)
	if err != nil || !matcher.Matches(env.Event) {
		return
	}

	reducer := e.reducers.Resolve(step.Reducer)
	inst.State = reducer(inst.State, env.Payload, env)
	inst.UpdatedAt = time.Now().UTC()

	transition := "step_advanced"
	if step.Terminal || step.NextStepID == "" {
		inst.Status = domain.WorkflowStatusCompleted
		completed := inst.UpdatedAt
		inst.CompletedAt = &completed
		transition = "workflow_completed"
	} else {
		inst.CurrentStepID = step.NextStepID
	}

	if err := store.SaveInstance(ctx, inst); err != nil {
		e.logger.Error("failed to persist workflow transition",
			zap.String("instance", inst.InstanceID),
			zap.Error(err))
		return
	}
	if err := store.AppendHistory(ctx, domain.WorkflowHistoryEntry{
		InstanceID: inst.InstanceID,
		StepID:     step.ID,
		Transition: transition,
		EventID:    env.EventID,
		Payload:    env.Payload,
	}); err != nil {
		e.logger.Error("failed to record workflow history",
			zap.String("instance", inst.InstanceID),
			zap.Error(err))
	}

	e.mu.Lock()
	if inst.Status == domain.WorkflowStatusRunning {
		e.running[inst.InstanceID] = inst
	} else {
		delete(e.running, inst.InstanceID)
	}
	e.mu.Unlock()

	e.logger.Info("workflow instance advanced",
		zap.String("instance", inst.InstanceID),
		zap.String("transition", transition),
		zap.String("event", env.Event))
}
