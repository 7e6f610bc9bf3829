package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/eventbus"
	"github.com/cowork-labs/cowork/pkg/blackboard"
)

// defaultConcurrency bounds CoordinateParallel when the caller gives none.
const defaultConcurrency = 4

// Envelope is one delivered direct message.
type Envelope struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
}

// InboxHandler receives envelopes addressed to one agent.
type InboxHandler func(ctx context.Context, env Envelope)

// SendOptions carry tracing identifiers for one direct message.
type SendOptions struct {
	RunID         string
	CorrelationID string
}

// Coordinator maintains the agent roster, enforces messaging policy and runs
// parallel task batches.
type Coordinator struct {
	bus    *eventbus.Bus
	board  *blackboard.Blackboard
	policy Policy
	logger *zap.Logger

	// auditWorkspaceID scopes the audit artifacts written per message.
	auditWorkspaceID string

	mu        sync.Mutex
	roster    map[string]struct{}
	inboxes   map[string]map[int]InboxHandler
	nextInbox int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the messaging policy. Defaults to deny-all.
func WithPolicy(policy Policy) Option {
	return func(c *Coordinator) { c.policy = policy }
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithAuditWorkspace sets the workspace that receives message audit
// artifacts.
func WithAuditWorkspace(workspaceID string) Option {
	return func(c *Coordinator) { c.auditWorkspaceID = workspaceID }
}

// New creates a Coordinator bound to the bus and blackboard.
func New(bus *eventbus.Bus, board *blackboard.Blackboard, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:              bus,
		board:            board,
		logger:           zap.NewNop(),
		auditWorkspaceID: "coordination",
		roster:           make(map[string]struct{}),
		inboxes:          make(map[string]map[int]InboxHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent adds an agent to the roster. Re-registering is a no-op.
func (c *Coordinator) RegisterAgent(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roster[agentID] = struct{}{}
	return nil
}

// UnregisterAgent removes an agent from the roster.
func (c *Coordinator) UnregisterAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roster, agentID)
}

// ActiveAgents returns the deduplicated roster, sorted by agent ID.
func (c *Coordinator) ActiveAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	agents := make([]string, 0, len(c.roster))
	for id := range c.roster {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents
}

// SubscribeInbox attaches a handler for envelopes addressed to agentID and
// returns an unsubscribe function.
func (c *Coordinator) SubscribeInbox(agentID string, handler InboxHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inboxes[agentID] == nil {
		c.inboxes[agentID] = make(map[int]InboxHandler)
	}
	c.nextInbox++
	id := c.nextInbox
	c.inboxes[agentID][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inboxes[agentID], id)
			c.mu.Unlock()
		})
	}
}

// SendDirectMessage delivers one message from one agent to another. The
// policy check runs before anything else: a rejected route produces no
// delivery, no events and no audit artifact.
func (c *Coordinator) SendDirectMessage(ctx context.Context, from, to, messageType string, payload map[string]any, opts SendOptions) (Envelope, error) {
	if !c.policy.Allows(from, to) {
		return Envelope{}, &PolicyError{From: from, To: to}
	}

	env := Envelope{
		ID:            uuid.New().String(),
		RunID:         opts.RunID,
		CorrelationID: opts.CorrelationID,
		From:          from,
		To:            to,
		Type:          messageType,
		Payload:       payload,
		SentAt:        time.Now().UTC(),
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
	}

	c.mu.Lock()
	handlers := make([]InboxHandler, 0, len(c.inboxes[to]))
	for _, handler := range c.inboxes[to] {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, env)
	}

	meta := map[string]any{
		"message_id":     env.ID,
		"correlation_id": env.CorrelationID,
		"from":           from,
		"to":             to,
		"type":           messageType,
	}
	if _, err := c.bus.Publish(ctx, domain.EventEnvelope{
		Event:       "agent:message:sent",
		AggregateID: from,
		Payload:     meta,
	}); err != nil {
		return Envelope{}, fmt.Errorf("failed to publish message-sent event: %w", err)
	}
	if _, err := c.bus.Publish(ctx, domain.EventEnvelope{
		Event:       "agent:message:received",
		AggregateID: to,
		Payload:     meta,
	}); err != nil {
		return Envelope{}, fmt.Errorf("failed to publish message-received event: %w", err)
	}

	// One artifact per message, never rewritten: expected version 0 pins the
	// audit trail as immutable.
	if _, err := c.board.UpdateArtifact(ctx, "audit:message:"+env.ID,
		map[string]any{
			"from":           from,
			"to":             to,
			"type":           messageType,
			"correlation_id": env.CorrelationID,
			"sent_at":        env.SentAt.Format(time.RFC3339Nano),
		},
		"coordinator", "audit",
		blackboard.UpdateOptions{WorkspaceID: c.auditWorkspaceID, ExpectedVersion: intPtr(0)},
	); err != nil {
		return Envelope{}, fmt.Errorf("failed to record message audit artifact: %w", err)
	}

	c.logger.Debug("direct message delivered",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("type", messageType),
		zap.Int("inbox_handlers", len(handlers)))
	return env, nil
}

func intPtr(v int) *int { return &v }

// Task is one unit of work for CoordinateParallel.
type Task struct {
	ID  string
	Run func(ctx context.Context) (any, error)
}

// TaskStatus values for batch results.
const (
	TaskFulfilled = "fulfilled"
	TaskRejected  = "rejected"
)

// TaskResult is one task's outcome. Value is set when fulfilled, Reason when
// rejected.
type TaskResult struct {
	TaskID string
	Status string
	Value  any
	Reason error
}

// BatchOptions configure one CoordinateParallel run.
type BatchOptions struct {
	// Concurrency bounds in-flight tasks. Values below 1 use the default.
	Concurrency   int
	RunID         string
	CorrelationID string
}

// CoordinateParallel runs the batch with at most Concurrency tasks in flight
// at any instant. Result slots are reserved up front, so the returned slice
// is ordered by submission regardless of finish order.
func (c *Coordinator) CoordinateParallel(ctx context.Context, tasks []Task, opts BatchOptions) ([]TaskResult, error) {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}

	batchMeta := map[string]any{
		"run_id":         opts.RunID,
		"correlation_id": opts.CorrelationID,
		"task_count":     len(tasks),
	}
	if _, err := c.bus.Publish(ctx, domain.EventEnvelope{
		Event:   "coordination:batch:start",
		Payload: batchMeta,
	}); err != nil {
		return nil, fmt.Errorf("failed to publish batch-start event: %w", err)
	}

	results := make([]TaskResult, len(tasks))
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for i, task := range tasks {
		results[i] = TaskResult{TaskID: task.ID}

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Status = TaskRejected
			results[i].Reason = err
			continue
		}

		wg.Add(1)
		go func(slot *TaskResult, task Task) {
			defer wg.Done()
			defer sem.Release(1)

			value, err := task.Run(ctx)
			if err != nil {
				slot.Status = TaskRejected
				slot.Reason = err
				return
			}
			slot.Status = TaskFulfilled
			slot.Value = value
		}(&results[i], task)
	}
	wg.Wait()

	if _, err := c.bus.Publish(ctx, domain.EventEnvelope{
		Event:   "coordination:batch:complete",
		Payload: batchMeta,
	}); err != nil {
		return nil, fmt.Errorf("failed to publish batch-complete event: %w", err)
	}

	c.logger.Debug("parallel batch finished",
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", concurrency))
	return results, nil
}
