// Package resolver maps user-supplied artifact references to blackboard
// entries. A reference is an exact artifact key, a full artifact UUID, or a
// unique UUID prefix of at least MinShortIDLength characters.
package resolver

import (
	"fmt"
	"strings"

	"github.com/cowork-labs/cowork/internal/domain"
)

// MinShortIDLength is the minimum accepted length for a UUID prefix. Six
// characters keeps prefixes typeable while making collisions unlikely.
const MinShortIDLength = 6

// ResolveArtifact finds the entry a reference points at within one
// workspace's entries.
func ResolveArtifact(entries []domain.BlackboardEntry, ref string) (domain.BlackboardEntry, error) {
	if ref == "" {
		return domain.BlackboardEntry{}, fmt.Errorf("empty artifact reference")
	}

	// Exact key match wins outright.
	for _, e := range entries {
		if e.ArtifactKey == ref {
			return e, nil
		}
	}

	// Full UUIDs are matched exactly against artifact IDs.
	if len(ref) == 36 && strings.Count(ref, "-") == 4 {
		for _, e := range entries {
			if e.ArtifactID == ref {
				return e, nil
			}
		}
		return domain.BlackboardEntry{}, &NotFoundError{Ref: ref}
	}

	if len(ref) < MinShortIDLength {
		return domain.BlackboardEntry{}, fmt.Errorf("artifact reference must be an exact key or at least %d characters of the ID (got %d)", MinShortIDLength, len(ref))
	}

	var matches []domain.BlackboardEntry
	for _, e := range entries {
		if strings.HasPrefix(e.ArtifactID, ref) {
			matches = append(matches, e)
		}
	}

	switch len(matches) {
	case 0:
		return domain.BlackboardEntry{}, &NotFoundError{Ref: ref}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, e := range matches {
			ids[i] = e.ArtifactID
		}
		return domain.BlackboardEntry{}, &AmbiguousError{Ref: ref, Matches: ids}
	}
}

// NotFoundError indicates no entry matched the reference.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no artifacts found matching '%s'", e.Ref)
}

// AmbiguousError indicates multiple entries matched a short prefix.
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous reference '%s' matches %d artifacts", e.Ref, len(e.Matches))
}

// FormatAmbiguousError renders an ambiguous match for terminal output,
// listing up to ten candidate IDs.
func FormatAmbiguousError(err *AmbiguousError) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ambiguous reference '%s' matches %d artifacts:\n", err.Ref, len(err.Matches))

	display := len(err.Matches)
	if display > 10 {
		display = 10
	}
	for i := 0; i < display; i++ {
		fmt.Fprintf(&sb, "  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&sb, "  ...and %d more\n", len(err.Matches)-10)
	}

	sb.WriteString("\nUse a longer prefix or the artifact key.")
	return sb.String()
}

// IsNotFoundError reports whether err is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError reports whether err is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
