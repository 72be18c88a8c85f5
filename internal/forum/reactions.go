package forum

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ReactionMap maps an emoji to the set of user identities that reacted with
// it. The invariant held by every constructor and every Toggle result is that
// no emoji key ever maps to an empty set; an emoji whose last reactor leaves
// is removed from the map entirely.
type ReactionMap map[string][]string

// ParseReactions decodes a persisted reaction payload. Empty input yields an
// empty map. Keys with empty member sets are dropped on decode so the
// invariant holds even against hand-edited rows.
func ParseReactions(raw string) (ReactionMap, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReactionMap{}, nil
	}
	decoded := map[string][]string{}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, err
	}
	reactions := ReactionMap{}
	for emoji, members := range decoded {
		if len(members) == 0 {
			continue
		}
		reactions[emoji] = lo.Uniq(members)
	}
	return reactions, nil
}

// Encode serializes the map deterministically: emoji keys and member sets are
// both sorted so identical maps always persist identically.
func (m ReactionMap) Encode() (string, error) {
	normalized := make(map[string][]string, len(m))
	for emoji, members := range m {
		if len(members) == 0 {
			continue
		}
		sorted := append([]string(nil), members...)
		sort.Strings(sorted)
		normalized[emoji] = sorted
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Toggle returns a new map with the user's membership in the emoji's set
// flipped. The receiver is never mutated.
func Toggle(m ReactionMap, emoji, userID string) ReactionMap {
	next := make(ReactionMap, len(m)+1)
	for key, members := range m {
		next[key] = append([]string(nil), members...)
	}
	if emoji == "" || userID == "" {
		return next
	}
	if HasReacted(m, emoji, userID) {
		remaining := lo.Filter(next[emoji], func(member string, _ int) bool {
			return member != userID
		})
		if len(remaining) == 0 {
			delete(next, emoji)
		} else {
			next[emoji] = remaining
		}
		return next
	}
	next[emoji] = append(next[emoji], userID)
	return next
}

// CountFor returns the number of users that reacted with the emoji.
func CountFor(m ReactionMap, emoji string) int {
	return len(m[emoji])
}

// HasReacted reports whether the user is in the emoji's reactor set.
func HasReacted(m ReactionMap, emoji, userID string) bool {
	return lo.Contains(m[emoji], userID)
}
