// Package eventbus provides durable publish/subscribe over the shared event
// log. Subscribers attach by pattern; durable consumers track a per-consumer
// checkpoint so delivery survives restarts without gaps or duplicates.
package eventbus

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// tokenPattern is what a single `*` segment may match.
var tokenPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Matcher is a compiled event name pattern.
type Matcher struct {
	matchAll bool
	exact    string
	segments []string
}

// Matches reports whether the event name satisfies the pattern.
func (m Matcher) Matches(event string) bool {
	if m.matchAll {
		return true
	}
	if m.segments == nil {
		return event == m.exact
	}
	parts := strings.Split(event, ":")
	if len(parts) != len(m.segments) {
		return false
	}
	for i, seg := range m.segments {
		if seg == "*" {
			if !tokenPattern.MatchString(parts[i]) {
				return false
			}
			continue
		}
		if parts[i] != seg {
			return false
		}
	}
	return true
}

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]Matcher)
)

// CompilePattern compiles an event name pattern. Three forms are accepted:
// `*` matches every event, a name without wildcards matches exactly, and a
// colon-segmented pattern may use `*` per segment to match one token of
// lowercase letters, digits, `_` or `-`. Compiled matchers are cached; the
// same pattern string never compiles twice.
func CompilePattern(pattern string) (Matcher, error) {
	patternMu.Lock()
	defer patternMu.Unlock()

	if m, ok := patternCache[pattern]; ok {
		return m, nil
	}

	m, err := compile(pattern)
	if err != nil {
		return Matcher{}, err
	}
	patternCache[pattern] = m
	return m, nil
}

func compile(pattern string) (Matcher, error) {
	if pattern == "" {
		return Matcher{}, fmt.Errorf("event pattern cannot be empty")
	}
	if pattern == "*" {
		return Matcher{matchAll: true}, nil
	}
	if !strings.Contains(pattern, "*") {
		return Matcher{exact: pattern}, nil
	}

	segments := strings.Split(pattern, ":")
	for _, seg := range segments {
		if seg == "*" {
			continue
		}
		if strings.Contains(seg, "*") {
			return Matcher{}, fmt.Errorf("invalid event pattern %q: * must stand alone in its segment", pattern)
		}
		if seg == "" {
			return Matcher{}, fmt.Errorf("invalid event pattern %q: empty segment", pattern)
		}
	}
	return Matcher{segments: segments}, nil
}
