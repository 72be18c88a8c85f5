package realtime

import (
	"sort"
	"sync"
	"time"
)

// PresenceEntry is an ephemeral roster record for one connected identity.
// It is never persisted; it exists only for the lifetime of a track handle.
type PresenceEntry struct {
	UserID      string
	DisplayName string
	JoinedAt    time.Time
}

// RosterHandler receives the full roster snapshot after every mutation.
type RosterHandler func(roster []PresenceEntry)

// PresenceChannel maintains the live roster of tracked identities and fans
// out full-roster snapshots to sync handlers. The same identity tracked from
// several connections collapses to a single roster entry until its last
// handle untracks.
type PresenceChannel struct {
	mu       sync.Mutex
	clock    func() time.Time
	nextID   int64
	handles  map[int64]string
	entries  map[string]PresenceEntry
	refs     map[string]int
	handlers map[int64]RosterHandler
}

// NewPresenceChannel constructs an empty presence channel.
func NewPresenceChannel() *PresenceChannel {
	return &PresenceChannel{
		clock:    time.Now,
		handles:  make(map[int64]string),
		entries:  make(map[string]PresenceEntry),
		refs:     make(map[string]int),
		handlers: make(map[int64]RosterHandler),
	}
}

// Track publishes the identity on the channel and returns the handle used to
// untrack it. Every track triggers a roster sync to all handlers.
func (c *PresenceChannel) Track(userID, displayName string) int64 {
	if userID == "" {
		return 0
	}
	c.mu.Lock()
	c.nextID++
	handle := c.nextID
	c.handles[handle] = userID
	c.refs[userID]++
	if c.refs[userID] == 1 {
		c.entries[userID] = PresenceEntry{
			UserID:      userID,
			DisplayName: displayName,
			JoinedAt:    c.clock().UTC(),
		}
	}
	roster := c.rosterLocked()
	handlers := c.handlersLocked()
	c.mu.Unlock()
	dispatchRoster(handlers, roster)
	return handle
}

// Untrack removes the handle; the identity leaves the roster once its last
// handle is gone. Unknown handles are ignored, so teardown paths may call
// Untrack unconditionally.
func (c *PresenceChannel) Untrack(handle int64) {
	c.mu.Lock()
	userID, ok := c.handles[handle]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.handles, handle)
	c.refs[userID]--
	if c.refs[userID] <= 0 {
		delete(c.refs, userID)
		delete(c.entries, userID)
	}
	roster := c.rosterLocked()
	handlers := c.handlersLocked()
	c.mu.Unlock()
	dispatchRoster(handlers, roster)
}

// OnSync registers a handler invoked with the full roster snapshot on every
// join or leave. The handler is immediately invoked with the current roster.
// The returned cancel deregisters it.
func (c *PresenceChannel) OnSync(handler RosterHandler) func() {
	if handler == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = handler
	roster := c.rosterLocked()
	c.mu.Unlock()
	handler(roster)
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Roster returns the current roster snapshot ordered by join time.
func (c *PresenceChannel) Roster() []PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rosterLocked()
}

func (c *PresenceChannel) rosterLocked() []PresenceEntry {
	roster := make([]PresenceEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		roster = append(roster, entry)
	}
	sort.Slice(roster, func(left, right int) bool {
		if roster[left].JoinedAt.Equal(roster[right].JoinedAt) {
			return roster[left].UserID < roster[right].UserID
		}
		return roster[left].JoinedAt.Before(roster[right].JoinedAt)
	})
	return roster
}

func (c *PresenceChannel) handlersLocked() []RosterHandler {
	handlers := make([]RosterHandler, 0, len(c.handlers))
	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}
	return handlers
}

func dispatchRoster(handlers []RosterHandler, roster []PresenceEntry) {
	for _, handler := range handlers {
		handler(roster)
	}
}
