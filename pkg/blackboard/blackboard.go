package blackboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cowork-labs/cowork/internal/domain"
)

type cacheKey struct {
	workspaceID string
	artifactKey string
}

// Blackboard is the shared artifact store. Reads come from the in-memory
// cache; writes go through the domain store when one is configured, and the
// cache is updated only after the store accepted the write.
type Blackboard struct {
	logger *zap.Logger

	mu        sync.Mutex
	store     domain.Store
	entries   map[cacheKey]domain.BlackboardEntry
	feedbacks map[string][]domain.Feedback
}

// Option configures a Blackboard.
type Option func(*Blackboard)

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Blackboard) { b.logger = logger }
}

// New creates an empty, memory-only blackboard.
func New(opts ...Option) *Blackboard {
	b := &Blackboard{
		logger:    zap.NewNop(),
		entries:   make(map[cacheKey]domain.BlackboardEntry),
		feedbacks: make(map[string][]domain.Feedback),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ConfigurePersistence attaches the domain store. With HydrateFromStore set,
// existing artifacts and feedback are loaded into the cache so prior state
// survives a process restart.
func (b *Blackboard) ConfigurePersistence(ctx context.Context, store domain.Store, opts PersistenceOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.store = store
	if !opts.HydrateFromStore {
		return nil
	}

	// Hydrate from the entry and feedback tables themselves, not from the
	// workspace registry: artifacts can live under workspace IDs that no
	// caller ever registered (the coordinator's audit workspace does).
	entries, err := store.AllEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate artifacts: %w", err)
	}
	for _, entry := range entries {
		b.entries[cacheKey{workspaceID: entry.WorkspaceID, artifactKey: entry.ArtifactKey}] = entry
	}

	records, err := store.AllFeedbacks(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate feedback: %w", err)
	}
	for _, fb := range records {
		b.feedbacks[fb.WorkspaceID] = append(b.feedbacks[fb.WorkspaceID], fb)
	}

	b.logger.Info("blackboard hydrated from store",
		zap.Int("artifacts", len(entries)),
		zap.Int("feedback", len(records)))
	return nil
}

// UpdateArtifact writes one artifact version. The write is rejected with a
// *domain.ConflictError when expected version and stored version disagree;
// the cache is only updated after the write was accepted, so a losing writer
// never poisons reads.
func (b *Blackboard) UpdateArtifact(ctx context.Context, key string, payload map[string]any, actor, artifactType string, opts UpdateOptions) (Artifact, error) {
	if key == "" {
		return Artifact{}, fmt.Errorf("artifact key cannot be empty")
	}
	if opts.WorkspaceID == "" {
		return Artifact{}, fmt.Errorf("workspace ID cannot be empty")
	}

	b.mu.Lock()
	ck := cacheKey{workspaceID: opts.WorkspaceID, artifactKey: key}
	cached, exists := b.entries[ck]

	expected := 0
	if opts.ExpectedVersion != nil {
		expected = *opts.ExpectedVersion
	} else if exists {
		expected = cached.Version
	}

	entry := domain.BlackboardEntry{
		WorkspaceID:  opts.WorkspaceID,
		ArtifactKey:  key,
		ArtifactID:   cached.ArtifactID,
		ArtifactType: artifactType,
		Payload:      payload,
		Source:       actor,
	}
	if entry.ArtifactID == "" {
		entry.ArtifactID = uuid.New().String()
	}

	store := b.store
	if store == nil {
		// Memory-only mode applies the same compare-and-swap against the
		// cache itself.
		actual := 0
		if exists {
			actual = cached.Version
		}
		if expected != actual {
			b.mu.Unlock()
			return Artifact{}, &domain.ConflictError{
				WorkspaceID: opts.WorkspaceID,
				ArtifactKey: key,
				Expected:    expected,
				Actual:      actual,
			}
		}
		entry.Version = expected + 1
		entry.UpdatedAt = time.Now().UTC()
		b.entries[ck] = entry
		b.mu.Unlock()
		return artifactFromEntry(entry), nil
	}
	b.mu.Unlock()

	written, err := store.UpsertEntry(ctx, entry, expected)
	if err != nil {
		return Artifact{}, err
	}

	b.mu.Lock()
	b.entries[ck] = written
	b.mu.Unlock()
	return artifactFromEntry(written), nil
}

// AddFeedback appends one feedback record. Records are never mutated after
// creation.
func (b *Blackboard) AddFeedback(ctx context.Context, actor, targetID, content, severity string, meta map[string]any, opts UpdateOptions) (Feedback, error) {
	if opts.WorkspaceID == "" {
		return Feedback{}, fmt.Errorf("workspace ID cannot be empty")
	}
	if severity == "" {
		severity = "info"
	}

	record := domain.Feedback{
		FeedbackID:  uuid.New().String(),
		WorkspaceID: opts.WorkspaceID,
		TargetID:    targetID,
		SourceActor: actor,
		Content:     content,
		Severity:    severity,
		Status:      "open",
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	}
	record.UpdatedAt = record.CreatedAt

	b.mu.Lock()
	store := b.store
	b.mu.Unlock()

	if store != nil {
		if err := store.AppendFeedback(ctx, record); err != nil {
			return Feedback{}, err
		}
	}

	b.mu.Lock()
	b.feedbacks[opts.WorkspaceID] = append(b.feedbacks[opts.WorkspaceID], record)
	b.mu.Unlock()
	return feedbackFromRecord(record), nil
}

// Artifact serves one artifact from the cache.
func (b *Blackboard) Artifact(workspaceID, key string) (Artifact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[cacheKey{workspaceID: workspaceID, artifactKey: key}]
	if !ok {
		return Artifact{}, false
	}
	return artifactFromEntry(entry), true
}

// Artifacts lists a workspace's artifacts from the cache, sorted by key.
func (b *Blackboard) Artifacts(workspaceID string) []Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Artifact
	for ck, entry := range b.entries {
		if ck.workspaceID == workspaceID {
			out = append(out, artifactFromEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Feedbacks lists a workspace's feedback from the cache, in append order.
func (b *Blackboard) Feedbacks(workspaceID string) []Feedback {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.feedbacks[workspaceID]
	out := make([]Feedback, len(records))
	for i, fb := range records {
		out[i] = feedbackFromRecord(fb)
	}
	return out
}

// FlushPersistence forces buffered writes out. Writes are write-through, so
// this only verifies that persistence is still reachable.
func (b *Blackboard) FlushPersistence(ctx context.Context) error {
	b.mu.Lock()
	store := b.store
	b.mu.Unlock()

	if store == nil {
		return nil
	}
	if _, err := store.Checkpoint(ctx, "blackboard-flush"); err != nil {
		return fmt.Errorf("persistence unreachable: %w", err)
	}
	return nil
}

// Clear resets the in-memory cache. Persisted state is untouched; a later
// ConfigurePersistence with hydration restores it.
func (b *Blackboard) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[cacheKey]domain.BlackboardEntry)
	b.feedbacks = make(map[string][]domain.Feedback)
}
