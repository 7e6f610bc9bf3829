package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-labs/cowork/internal/domain"
)

func testEntries() []domain.BlackboardEntry {
	return []domain.BlackboardEntry{
		{ArtifactKey: "plan", ArtifactID: "aaaa1111-0000-0000-0000-000000000001"},
		{ArtifactKey: "report", ArtifactID: "aaaa2222-0000-0000-0000-000000000002"},
		{ArtifactKey: "notes", ArtifactID: "bbbb3333-0000-0000-0000-000000000003"},
	}
}

func TestResolveArtifact(t *testing.T) {
	entries := testEntries()

	t.Run("exact key match", func(t *testing.T) {
		got, err := ResolveArtifact(entries, "report")
		require.NoError(t, err)
		assert.Equal(t, "aaaa2222-0000-0000-0000-000000000002", got.ArtifactID)
	})

	t.Run("full UUID match", func(t *testing.T) {
		got, err := ResolveArtifact(entries, "bbbb3333-0000-0000-0000-000000000003")
		require.NoError(t, err)
		assert.Equal(t, "notes", got.ArtifactKey)
	})

	t.Run("full UUID not present", func(t *testing.T) {
		_, err := ResolveArtifact(entries, "cccc4444-0000-0000-0000-000000000004")
		require.Error(t, err)
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("unique prefix match", func(t *testing.T) {
		got, err := ResolveArtifact(entries, "bbbb33")
		require.NoError(t, err)
		assert.Equal(t, "notes", got.ArtifactKey)
	})

	t.Run("ambiguous prefix rejected", func(t *testing.T) {
		_, err := ResolveArtifact(append(entries, domain.BlackboardEntry{
			ArtifactKey: "plan-v2",
			ArtifactID:  "aaaa1111-9999-0000-0000-000000000009",
		}), "aaaa1111")
		require.Error(t, err)
		assert.True(t, IsAmbiguousError(err))
		ambiguous, ok := err.(*AmbiguousError)
		require.True(t, ok)
		assert.Len(t, ambiguous.Matches, 2)
		assert.Contains(t, FormatAmbiguousError(ambiguous), "matches 2 artifacts")
	})

	t.Run("too short prefix rejected", func(t *testing.T) {
		_, err := ResolveArtifact(entries, "aaa")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 6 characters")
	})

	t.Run("empty reference rejected", func(t *testing.T) {
		_, err := ResolveArtifact(entries, "")
		require.Error(t, err)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		_, err := ResolveArtifact(entries, "ffffff")
		require.Error(t, err)
		assert.True(t, IsNotFoundError(err))
	})
}
