// Package presence maintains the live roster of users currently viewing the
// forum. A Tracker is a scoped resource owned by one session's lifetime:
// acquired on entering the forum view and released on every exit path, with
// the transport's disconnect detection as the backstop.
package presence

import (
	"errors"
	"sync"

	"github.com/converso-app/converso/backend/internal/realtime"
)

var (
	// ErrMissingChannel indicates the tracker was built without a channel.
	ErrMissingChannel = errors.New("presence: channel is required")
	// ErrMissingUser indicates Join was called without an identity.
	ErrMissingUser = errors.New("presence: user identity is required")
	// ErrAlreadyJoined indicates a second Join on a live tracker.
	ErrAlreadyJoined = errors.New("presence: already joined")
)

// Tracker publishes one identity on the shared presence channel and mirrors
// the channel's full-roster snapshots. It never merges: each sync event
// replaces the local roster wholesale.
type Tracker struct {
	channel *realtime.PresenceChannel

	mu         sync.Mutex
	joined     bool
	handle     int64
	cancelSync func()
	roster     []realtime.PresenceEntry
	nextID     int64
	handlers   map[int64]realtime.RosterHandler
}

// NewTracker constructs a tracker bound to the shared channel.
func NewTracker(channel *realtime.PresenceChannel) (*Tracker, error) {
	if channel == nil {
		return nil, ErrMissingChannel
	}
	return &Tracker{
		channel:  channel,
		handlers: make(map[int64]realtime.RosterHandler),
	}, nil
}

// Join publishes the identity on the channel and starts mirroring roster
// snapshots. A tracker joins at most once; build a fresh tracker per session.
func (t *Tracker) Join(userID, displayName string) error {
	if userID == "" {
		return ErrMissingUser
	}
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return ErrAlreadyJoined
	}
	t.joined = true
	t.mu.Unlock()

	// Channel callbacks run synchronously and take the tracker lock, so the
	// lock must not be held across these calls.
	cancel := t.channel.OnSync(t.applySync)
	handle := t.channel.Track(userID, displayName)

	t.mu.Lock()
	t.cancelSync = cancel
	t.handle = handle
	t.mu.Unlock()
	return nil
}

// applySync replaces the local roster wholesale and fans out to listeners.
func (t *Tracker) applySync(roster []realtime.PresenceEntry) {
	t.mu.Lock()
	t.roster = append([]realtime.PresenceEntry(nil), roster...)
	handlers := make([]realtime.RosterHandler, 0, len(t.handlers))
	for _, handler := range t.handlers {
		handlers = append(handlers, handler)
	}
	snapshot := append([]realtime.PresenceEntry(nil), t.roster...)
	t.mu.Unlock()
	for _, handler := range handlers {
		handler(snapshot)
	}
}

// OnRosterChange registers a handler invoked with the full roster whenever
// any participant joins or leaves. The handler fires immediately with the
// current roster. The returned cancel deregisters it.
func (t *Tracker) OnRosterChange(handler realtime.RosterHandler) func() {
	if handler == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[id] = handler
	snapshot := append([]realtime.PresenceEntry(nil), t.roster...)
	t.mu.Unlock()
	handler(snapshot)
	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

// Roster returns the latest full roster snapshot.
func (t *Tracker) Roster() []realtime.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]realtime.PresenceEntry(nil), t.roster...)
}

// Leave untracks the identity and stops mirroring. It is idempotent and must
// be called on every session-teardown path.
func (t *Tracker) Leave() {
	t.mu.Lock()
	handle := t.handle
	cancelSync := t.cancelSync
	t.handle = 0
	t.cancelSync = nil
	t.mu.Unlock()

	if handle != 0 {
		t.channel.Untrack(handle)
	}
	if cancelSync != nil {
		cancelSync()
	}
}
