package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cowork-labs/cowork/internal/domain"
)

// catchUpBatchSize bounds how many persisted events one catch-up pass loads.
const catchUpBatchSize = 100

// Handler receives one event envelope. For durable consumers the checkpoint
// advances once the handler has been handed the event; handlers that need
// retry semantics must arrange them internally.
type Handler func(ctx context.Context, env domain.EventEnvelope)

// SubscribeOptions configure one subscription.
type SubscribeOptions struct {
	// ConsumerID names a durable consumer. Required when Durable is set.
	ConsumerID string
	// Durable persists the consumer's checkpoint so delivery resumes after a
	// restart at the first unacknowledged event.
	Durable bool
	// ReplayFromCheckpoint delivers persisted events newer than the
	// checkpoint, in ascending version order, before live delivery begins.
	ReplayFromCheckpoint bool
}

type subscription struct {
	id      int
	matcher Matcher
	handler Handler
	opts    SubscribeOptions

	// mu serializes all delivery to this consumer, keeping delivery order
	// equal to publish order and checkpoint updates race-free.
	mu         sync.Mutex
	checkpoint int64
}

// Bus dispatches events to subscribers. With a store configured every
// published event is appended to the durable log before any delivery, and
// durable consumers are caught up from the log when they fall behind.
type Bus struct {
	store  domain.Store
	logger *zap.Logger

	mu        sync.Mutex
	subs      map[int]*subscription
	nextID    int
	batchSize int

	dispatchStop chan struct{}
	dispatchWG   sync.WaitGroup
	publishWG    sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithStore attaches the durable event log.
func WithStore(store domain.Store) Option {
	return func(b *Bus) { b.store = store }
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a Bus. Without a store it is a purely in-memory dispatcher and
// durable subscriptions are rejected.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:    zap.NewNop(),
		subs:      make(map[int]*subscription),
		batchSize: catchUpBatchSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the event to the durable log (when a store is configured)
// and delivers it synchronously to every matching subscriber. The returned
// envelope carries the assigned version and event ID.
func (b *Bus) Publish(ctx context.Context, env domain.EventEnvelope) (domain.EventEnvelope, error) {
	if b.store != nil {
		persisted, err := b.store.AppendEvent(ctx, env)
		if err != nil {
			return domain.EventEnvelope{}, fmt.Errorf("failed to persist event %q: %w", env.Event, err)
		}
		env = persisted
	}

	for _, sub := range b.snapshot() {
		b.deliver(ctx, sub, env)
	}
	return env, nil
}

// PublishAsync publishes on a background goroutine. Publish errors are logged
// rather than returned.
func (b *Bus) PublishAsync(ctx context.Context, env domain.EventEnvelope) {
	b.publishWG.Add(1)
	go func() {
		defer b.publishWG.Done()
		if _, err := b.Publish(ctx, env); err != nil {
			b.logger.Error("async publish failed",
				zap.String("event", env.Event),
				zap.Error(err))
		}
	}()
}

// Subscribe attaches a handler for events matching pattern and returns an
// unsubscribe function. Durable subscriptions require a store; with
// ReplayFromCheckpoint set, persisted events past the consumer's checkpoint
// are delivered before the subscription goes live.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler, opts SubscribeOptions) (func(), error) {
	matcher, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	if opts.Durable {
		if b.store == nil {
			return nil, fmt.Errorf("durable subscription %q requires persistence", opts.ConsumerID)
		}
		if opts.ConsumerID == "" {
			return nil, fmt.Errorf("durable subscription requires a consumer ID")
		}
	}

	sub := &subscription{matcher: matcher, handler: handler, opts: opts}

	if opts.Durable {
		checkpoint, err := b.store.Checkpoint(ctx, opts.ConsumerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint for %q: %w", opts.ConsumerID, err)
		}
		sub.checkpoint = checkpoint

		if opts.ReplayFromCheckpoint {
			sub.mu.Lock()
			err := b.catchUpLocked(ctx, sub)
			sub.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("failed to replay events for %q: %w", opts.ConsumerID, err)
			}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
		})
	}, nil
}

// StartDispatcher runs a background loop that periodically catches durable
// consumers up from the event log. Safe to call once per bus.
func (b *Bus) StartDispatcher(interval time.Duration, batchSize int) {
	if batchSize <= 0 {
		batchSize = catchUpBatchSize
	}
	b.mu.Lock()
	if b.dispatchStop != nil {
		b.mu.Unlock()
		return
	}
	b.batchSize = batchSize
	stop := make(chan struct{})
	b.dispatchStop = stop
	b.mu.Unlock()

	b.dispatchWG.Add(1)
	go func() {
		defer b.dispatchWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.catchUpAll(context.Background())
			}
		}
	}()
}

// StopDispatcher stops the catch-up loop and waits for in-flight async
// publishes to drain.
func (b *Bus) StopDispatcher() {
	b.mu.Lock()
	stop := b.dispatchStop
	b.dispatchStop = nil
	b.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	b.dispatchWG.Wait()
	b.publishWG.Wait()
}

func (b *Bus) snapshot() []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs
}

// deliver hands one live event to a subscriber. Durable consumers only accept
// the event directly adjacent to their checkpoint; behind means catch up from
// the log first, at-or-before means the event is a duplicate and is dropped.
func (b *Bus) deliver(ctx context.Context, sub *subscription, env domain.EventEnvelope) {
	if !sub.opts.Durable {
		if sub.matcher.Matches(env.Event) {
			sub.handler(ctx, env)
		}
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	switch {
	case env.Version <= sub.checkpoint:
		return
	case env.Version > sub.checkpoint+1:
		if err := b.catchUpLocked(ctx, sub); err != nil {
			b.logger.Error("durable consumer catch-up failed",
				zap.String("consumer", sub.opts.ConsumerID),
				zap.Error(err))
		}
		return
	}

	if sub.matcher.Matches(env.Event) {
		sub.handler(ctx, env)
	}
	sub.checkpoint = env.Version
	if err := b.store.SaveCheckpoint(ctx, sub.opts.ConsumerID, env.Version); err != nil {
		b.logger.Error("failed to save consumer checkpoint",
			zap.String("consumer", sub.opts.ConsumerID),
			zap.Error(err))
	}
}

func (b *Bus) catchUpAll(ctx context.Context) {
	for _, sub := range b.snapshot() {
		if !sub.opts.Durable {
			continue
		}
		sub.mu.Lock()
		if err := b.catchUpLocked(ctx, sub); err != nil {
			b.logger.Error("durable consumer catch-up failed",
				zap.String("consumer", sub.opts.ConsumerID),
				zap.Error(err))
		}
		sub.mu.Unlock()
	}
}

// catchUpLocked walks the log from the consumer's checkpoint to its head,
// delivering matching events in version order. The checkpoint advances over
// every scanned event, matching or not, so non-matching events are never
// revisited. Callers hold sub.mu.
func (b *Bus) catchUpLocked(ctx context.Context, sub *subscription) error {
	b.mu.Lock()
	batchSize := b.batchSize
	b.mu.Unlock()

	for {
		events, err := b.store.EventsAfter(ctx, sub.checkpoint, batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, env := range events {
			if sub.matcher.Matches(env.Event) {
				sub.handler(ctx, env)
			}
			sub.checkpoint = env.Version
		}
		if err := b.store.SaveCheckpoint(ctx, sub.opts.ConsumerID, sub.checkpoint); err != nil {
			return err
		}
		if len(events) < batchSize {
			return nil
		}
	}
}
