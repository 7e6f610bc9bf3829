// Package workflow runs event-driven state machines over the event bus.
// Definitions describe steps keyed by the events that advance them; running
// instances are persisted after every transition so in-flight workflows
// survive a process restart.
package workflow

import (
	"fmt"
	"sync"

	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/eventbus"
)

// MergeReducerName is the reducer every step falls back to when it names no
// reducer, or names one the registry does not know.
const MergeReducerName = "merge-last-event"

// Reducer folds one delivered event into an instance's accumulated state.
// Reducers must treat their inputs as read-only and return the next state.
type Reducer func(state, payload map[string]any, env domain.EventEnvelope) map[string]any

// MergeLastEvent copies the prior state and overlays the event payload's
// top-level keys.
func MergeLastEvent(state, payload map[string]any, _ domain.EventEnvelope) map[string]any {
	next := make(map[string]any, len(state)+len(payload))
	for k, v := range state {
		next[k] = v
	}
	for k, v := range payload {
		next[k] = v
	}
	return next
}

// ReducerRegistry resolves reducers by stable string key. Steps persist the
// key, never the function, so hydrated definitions recover their behavior by
// name.
type ReducerRegistry struct {
	mu       sync.Mutex
	reducers map[string]Reducer
}

// NewReducerRegistry returns a registry preloaded with the merge reducer.
func NewReducerRegistry() *ReducerRegistry {
	r := &ReducerRegistry{reducers: make(map[string]Reducer)}
	r.Register(MergeReducerName, MergeLastEvent)
	return r
}

// Register adds or replaces a named reducer.
func (r *ReducerRegistry) Register(name string, fn Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[name] = fn
}

// Resolve returns the reducer for name, falling back to the merge reducer
// for empty or unknown names.
func (r *ReducerRegistry) Resolve(name string) Reducer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, ok := r.reducers[name]; ok {
		return fn
	}
	return r.reducers[MergeReducerName]
}

// Step is one state of a workflow. The step waits for an event matching
// OnEvent, folds it into the instance state through its reducer, then
// transitions to NextStepID or completes.
type Step struct {
	ID         string
	OnEvent    string
	NextStepID string
	Terminal   bool
	Reducer    string
	Metadata   map[string]any
}

// Definition is one workflow state machine, immutable per (ID, Version).
type Definition struct {
	ID            string
	Version       int
	Name          string
	TriggerEvent  string
	InitialStepID string
	Steps         []Step
	Metadata      map[string]any
}

// Validate checks structural integrity: patterns must compile, the initial
// step must exist, step IDs must be unique, and every NextStepID must
// reference a declared step.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow definition ID cannot be empty")
	}
	if d.Version < 1 {
		return fmt.Errorf("workflow definition %s: version must be >= 1", d.ID)
	}
	if _, err := eventbus.CompilePattern(d.TriggerEvent); err != nil {
		return fmt.Errorf("workflow definition %s: invalid trigger event: %w", d.ID, err)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow definition %s: at least one step is required", d.ID)
	}

	byID := make(map[string]Step, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow definition %s: step ID cannot be empty", d.ID)
		}
		if _, dup := byID[step.ID]; dup {
			return fmt.Errorf("workflow definition %s: duplicate step %q", d.ID, step.ID)
		}
		if _, err := eventbus.CompilePattern(step.OnEvent); err != nil {
			return fmt.Errorf("workflow definition %s: step %q: invalid event pattern: %w", d.ID, step.ID, err)
		}
		byID[step.ID] = step
	}
	if _, ok := byID[d.InitialStepID]; !ok {
		return fmt.Errorf("workflow definition %s: initial step %q is not declared", d.ID, d.InitialStepID)
	}
	for _, step := range d.Steps {
		if step.NextStepID == "" {
			continue
		}
		if _, ok := byID[step.NextStepID]; !ok {
			return fmt.Errorf("workflow definition %s: step %q: next step %q is not declared",
				d.ID, step.ID, step.NextStepID)
		}
	}
	return nil
}

func (d Definition) step(id string) (Step, bool) {
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

func (d Definition) toRecord() domain.WorkflowDefinitionRecord {
	steps := make([]domain.WorkflowStepRecord, len(d.Steps))
	for i, step := range d.Steps {
		steps[i] = domain.WorkflowStepRecord{
			ID:         step.ID,
			OnEvent:    step.OnEvent,
			NextStepID: step.NextStepID,
			Terminal:   step.Terminal,
			Reducer:    step.Reducer,
			Metadata:   step.Metadata,
		}
	}
	return domain.WorkflowDefinitionRecord{
		ID:            d.ID,
		Version:       d.Version,
		Name:          d.Name,
		TriggerEvent:  d.TriggerEvent,
		InitialStepID: d.InitialStepID,
		Steps:         steps,
		Metadata:      d.Metadata,
	}
}

func definitionFromRecord(rec domain.WorkflowDefinitionRecord) Definition {
	steps := make([]Step, len(rec.Steps))
	for i, step := range rec.Steps {
		steps[i] = Step{
			ID:         step.ID,
			OnEvent:    step.OnEvent,
			NextStepID: step.NextStepID,
			Terminal:   step.Terminal,
			Reducer:    step.Reducer,
			Metadata:   step.Metadata,
		}
	}
	return Definition{
		ID:            rec.ID,
		Version:       rec.Version,
		Name:          rec.Name,
		TriggerEvent:  rec.TriggerEvent,
		InitialStepID: rec.InitialStepID,
		Steps:         steps,
		Metadata:      rec.Metadata,
	}
}
