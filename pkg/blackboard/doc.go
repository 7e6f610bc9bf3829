// Package blackboard provides the shared workspace where agents collaborate
// by reading and writing versioned artifacts.
//
// # Overview
//
// The blackboard implements the classic blackboard architectural pattern: a
// shared store of structured state that independent agents observe and
// update. Reads are served from an in-memory cache; writes go through the
// domain store's versioned upsert when persistence is configured, so every
// artifact carries an integer version that increases by exactly one per
// successful write.
//
// # Optimistic Concurrency
//
// Writers supply the version they last observed. If two writers race on the
// same artifact key with the same expected version, exactly one wins and the
// other receives a *domain.ConflictError. Conflicts are detected, never
// silently merged; the losing caller decides whether to re-read and retry.
//
// # Feedback
//
// Feedback records are append-only annotations attached to artifacts or
// agents. They are never mutated after creation.
//
// # Usage Example
//
//	bb := blackboard.New()
//	if err := bb.ConfigurePersistence(ctx, store, blackboard.PersistenceOptions{
//		HydrateFromStore: true,
//	}); err != nil {
//		log.Fatal(err)
//	}
//
//	artifact, err := bb.UpdateArtifact(ctx, "design-doc",
//		map[string]any{"rev": "a"}, "agent-researcher", "document",
//		blackboard.UpdateOptions{WorkspaceID: ws.ID})
//	if err != nil {
//		log.Fatal(err)
//	}
//	// artifact.Version == 1
package blackboard
