package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// provisioningDefinition models the workspace provisioning flow: a created
// workspace waits for a member, then for a seeded artifact, then completes.
func provisioningDefinition() Definition {
	return Definition{
		ID:            "workspace-provisioning",
		Version:       1,
		Name:          "Workspace provisioning",
		TriggerEvent:  "workspace:created",
		InitialStepID: "await-member",
		Steps: []Step{
			{ID: "await-member", OnEvent: "member:added", NextStepID: "await-seed"},
			{ID: "await-seed", OnEvent: "artifact:seeded", Terminal: true},
		},
	}
}

func publish(t *testing.T, bus *eventbus.Bus, name string, payload map[string]any) {
	t.Helper()
	_, err := bus.Publish(context.Background(), domain.EventEnvelope{Event: name, Payload: payload})
	require.NoError(t, err)
}

func runningInstance(t *testing.T, store domain.Store) domain.WorkflowInstance {
	t.Helper()
	instances, err := store.RunningInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	return instances[0]
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{"valid", func(*Definition) {}, ""},
		{"empty id", func(d *Definition) { d.ID = "" }, "ID cannot be empty"},
		{"zero version", func(d *Definition) { d.Version = 0 }, "version must be >= 1"},
		{"bad trigger pattern", func(d *Definition) { d.TriggerEvent = "a:b*c" }, "invalid trigger event"},
		{"no steps", func(d *Definition) { d.Steps = nil }, "at least one step"},
		{"duplicate step", func(d *Definition) { d.Steps[1].ID = d.Steps[0].ID }, "duplicate step"},
		{"unknown initial step", func(d *Definition) { d.InitialStepID = "ghost" }, "is not declared"},
		{"dangling next step", func(d *Definition) { d.Steps[0].NextStepID = "ghost" }, "is not declared"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := provisioningDefinition()
			tt.mutate(&def)
			err := def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEngine_FailsFastWithoutPersistence(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(eventbus.New())

	t.Run("persisting registration", func(t *testing.T) {
		err := engine.RegisterDefinition(ctx, provisioningDefinition(), true)
		require.Error(t, err)
		assert.True(t, IsPrecondition(err))
	})

	t.Run("start", func(t *testing.T) {
		err := engine.Start(ctx)
		require.Error(t, err)
		assert.True(t, IsPrecondition(err))
	})

	t.Run("in-memory registration still works", func(t *testing.T) {
		assert.NoError(t, engine.RegisterDefinition(ctx, provisioningDefinition(), false))
	})
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()
	bus := eventbus.New(eventbus.WithStore(store))

	engine := NewEngine(bus)
	require.NoError(t, engine.ConfigurePersistence(ctx, store))
	require.NoError(t, engine.RegisterDefinition(ctx, provisioningDefinition(), true))
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	publish(t, bus, "workspace:created", map[string]any{"workspace": "ws-1"})

	inst := runningInstance(t, store)
	assert.Equal(t, "await-member", inst.CurrentStepID)
	assert.Equal(t, "ws-1", inst.State["workspace"])

	publish(t, bus, "member:added", map[string]any{"member": "agent-a"})

	inst = runningInstance(t, store)
	assert.Equal(t, "await-seed", inst.CurrentStepID)
	assert.Equal(t, "ws-1", inst.State["workspace"])
	assert.Equal(t, "agent-a", inst.State["member"])

	publish(t, bus, "artifact:seeded", map[string]any{"artifact": "readme"})

	final, err := store.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, "readme", final.State["artifact"])

	history, err := engine.History(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "workflow_started", history[0].Transition)
	assert.Equal(t, "step_advanced", history[1].Transition)
	assert.Equal(t, "workflow_completed", history[2].Transition)
}

// An instance's own trigger event never advances it, even when the initial
// step listens for the same event name.
func TestEngine_TriggerEventDoesNotAdvanceOwnInstance(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()
	bus := eventbus.New(eventbus.WithStore(store))

	def := Definition{
		ID:            "echo",
		Version:       1,
		TriggerEvent:  "ping",
		InitialStepID: "await-ping",
		Steps: []Step{
			{ID: "await-ping", OnEvent: "ping", Terminal: true},
		},
	}

	engine := NewEngine(bus)
	require.NoError(t, engine.ConfigurePersistence(ctx, store))
	require.NoError(t, engine.RegisterDefinition(ctx, def, true))
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	publish(t, bus, "ping", nil)
	first := runningInstance(t, store)
	assert.Equal(t, domain.WorkflowStatusRunning, first.Status)

	// The second ping completes the first instance and starts a second one.
	publish(t, bus, "ping", nil)

	completed, err := store.Instance(ctx, first.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, completed.Status)

	second := runningInstance(t, store)
	assert.NotEqual(t, first.InstanceID, second.InstanceID)
}

// In-flight workflows survive an engine teardown: a fresh engine against the
// same store hydrates the running instance and the definition, replays what
// it missed, and drives the workflow to completion.
func TestEngine_ResumesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()

	firstBus := eventbus.New(eventbus.WithStore(store))
	first := NewEngine(firstBus)
	require.NoError(t, first.ConfigurePersistence(ctx, store))
	require.NoError(t, first.RegisterDefinition(ctx, provisioningDefinition(), true))
	require.NoError(t, first.Start(ctx))

	publish(t, firstBus, "workspace:created", map[string]any{"workspace": "ws-1"})
	publish(t, firstBus, "member:added", map[string]any{"member": "agent-a"})

	inst := runningInstance(t, store)
	require.Equal(t, "await-seed", inst.CurrentStepID)
	first.Stop()

	// The seeding event lands while no engine is running.
	_, err := store.AppendEvent(ctx, domain.EventEnvelope{
		Event:   "artifact:seeded",
		Payload: map[string]any{"artifact": "readme"},
	})
	require.NoError(t, err)

	secondBus := eventbus.New(eventbus.WithStore(store))
	second := NewEngine(secondBus)
	require.NoError(t, second.ConfigurePersistence(ctx, store))
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	final, err := store.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, final.Status)
	assert.Equal(t, "agent-a", final.State["member"])
	assert.Equal(t, "readme", final.State["artifact"])
}

func TestEngine_NamedReducers(t *testing.T) {
	ctx := context.Background()
	store := domain.NewMemoryStore()
	bus := eventbus.New(eventbus.WithStore(store))

	engine := NewEngine(bus)
	engine.Reducers().Register("count-events", func(state, _ map[string]any, _ domain.EventEnvelope) map[string]any {
		next := MergeLastEvent(state, nil, domain.EventEnvelope{})
		n, _ := next["count"].(int)
		next["count"] = n + 1
		return next
	})

	def := Definition{
		ID:            "counter",
		Version:       1,
		TriggerEvent:  "counter:start",
		InitialStepID: "tick-1",
		Steps: []Step{
			{ID: "tick-1", OnEvent: "counter:tick", NextStepID: "tick-2", Reducer: "count-events"},
			{ID: "tick-2", OnEvent: "counter:tick", Terminal: true, Reducer: "count-events"},
		},
	}

	require.NoError(t, engine.ConfigurePersistence(ctx, store))
	require.NoError(t, engine.RegisterDefinition(ctx, def, true))
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	publish(t, bus, "counter:start", nil)
	instanceID := runningInstance(t, store).InstanceID

	publish(t, bus, "counter:tick", nil)
	publish(t, bus, "counter:tick", nil)

	final, err := store.Instance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, final.Status)
	assert.Equal(t, 2, final.State["count"])

	history, err := store.History(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, history, 3)
}
