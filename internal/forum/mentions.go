package forum

import (
	"regexp"
	"strings"
)

// SegmentKind distinguishes plain text from a mention token.
type SegmentKind string

const (
	// SegmentPlain is ordinary text.
	SegmentPlain SegmentKind = "plain"
	// SegmentMention is an @name token.
	SegmentMention SegmentKind = "mention"
)

// MentionSegment is one piece of a parsed draft. For mention segments Text
// keeps the raw token including the @ and Name carries the bare name.
type MentionSegment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text"`
	Name string      `json:"name,omitempty"`
}

var mentionPattern = regexp.MustCompile(`@[\w.-]+`)

// ParseMentions splits text into plain and mention segments. Mentions are
// cosmetic highlighting only; names are not validated against the roster.
func ParseMentions(text string) []MentionSegment {
	if text == "" {
		return nil
	}
	var segments []MentionSegment
	cursor := 0
	for _, match := range mentionPattern.FindAllStringIndex(text, -1) {
		if match[0] > cursor {
			segments = append(segments, MentionSegment{
				Kind: SegmentPlain,
				Text: text[cursor:match[0]],
			})
		}
		token := text[match[0]:match[1]]
		segments = append(segments, MentionSegment{
			Kind: SegmentMention,
			Text: token,
			Name: strings.TrimPrefix(token, "@"),
		})
		cursor = match[1]
	}
	if cursor < len(text) {
		segments = append(segments, MentionSegment{
			Kind: SegmentPlain,
			Text: text[cursor:],
		})
	}
	return segments
}

// InsertMention appends an @name token to the draft for a pre-filled reply.
func InsertMention(draft, name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return draft
	}
	return draft + "@" + trimmed + " "
}
