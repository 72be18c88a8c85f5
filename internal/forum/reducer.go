package forum

import (
	"github.com/converso-app/converso/backend/internal/realtime"
)

// LogEventKind tags the variant of a change applied to an ordered post log.
type LogEventKind string

const (
	// LogEventInserted appends a new post to the log.
	LogEventInserted LogEventKind = "inserted"
	// LogEventUpdated replaces an existing post in place.
	LogEventUpdated LogEventKind = "updated"
)

// LogEvent is the tagged variant dispatched through the log reducer.
type LogEvent struct {
	Kind LogEventKind
	Post Post
}

// LogEventFrom converts a transport event into a reducer event. Events of
// other types or with foreign payloads are rejected.
func LogEventFrom(event realtime.Event) (LogEvent, bool) {
	post, ok := event.Payload.(Post)
	if !ok {
		return LogEvent{}, false
	}
	switch event.Type {
	case realtime.EventPostInserted:
		return LogEvent{Kind: LogEventInserted, Post: post}, true
	case realtime.EventPostUpdated:
		return LogEvent{Kind: LogEventUpdated, Post: post}, true
	default:
		return LogEvent{}, false
	}
}

// ApplyEvent reduces one event onto the ordered log and returns the next log
// together with whether the event changed it. The input slice is never
// mutated.
//
// Inserted events append; when the post id is already present (an optimistic
// local copy racing its remote echo) the remote copy replaces it in place.
// Updated events replace by id; an update whose post is not in the log yet is
// dropped — a reaction change without its parent message is transient and a
// history refetch repairs it.
func ApplyEvent(log []Post, event LogEvent) ([]Post, bool) {
	switch event.Kind {
	case LogEventInserted:
		if index := indexOfPost(log, event.Post.PostID); index >= 0 {
			return replaceAt(log, index, event.Post), true
		}
		next := make([]Post, 0, len(log)+1)
		next = append(next, log...)
		next = append(next, event.Post)
		return next, true
	case LogEventUpdated:
		index := indexOfPost(log, event.Post.PostID)
		if index < 0 {
			return log, false
		}
		return replaceAt(log, index, event.Post), true
	default:
		return log, false
	}
}

func indexOfPost(log []Post, postID string) int {
	for index, post := range log {
		if post.PostID == postID {
			return index
		}
	}
	return -1
}

func replaceAt(log []Post, index int, post Post) []Post {
	next := append([]Post(nil), log...)
	next[index] = post
	return next
}
