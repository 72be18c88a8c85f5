package realtime

import (
	"context"
	"sync"
	"time"
)

// EventType identifies the class of change carried by an Event.
type EventType string

const (
	// EventPostInserted announces a newly persisted post within a scope.
	EventPostInserted EventType = "post-inserted"
	// EventPostUpdated announces an in-place mutation of an existing post.
	EventPostUpdated EventType = "post-updated"
	// EventTopicCreated announces a new topic on the directory scope.
	EventTopicCreated EventType = "topic-created"
)

// DirectoryScope is the shared scope used for topic-creation events.
const DirectoryScope = "directory"

// Event is a change notification delivered to scope subscribers. Payload
// carries the row the event refers to and is typed by the publisher.
type Event struct {
	Type      EventType
	Scope     string
	Payload   any
	Timestamp time.Time
}

// Dispatcher multicasts change events to subscribers keyed by scope filter.
// Delivery within a scope preserves publish order; a slow subscriber whose
// buffer is full loses the event rather than blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*scopeSubscriber
	nextID      int64
	bufferSize  int
}

type scopeSubscriber struct {
	id     int64
	types  map[EventType]struct{}
	stream chan Event
}

// NewDispatcher constructs a Dispatcher with a default subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*scopeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers interest in the provided event types on one scope and
// returns the delivery stream together with a cancel function. The
// subscription is also torn down when ctx is done. An empty scope yields a
// closed stream.
func (d *Dispatcher) Subscribe(ctx context.Context, scope string, types ...EventType) (<-chan Event, func()) {
	if scope == "" {
		stream := make(chan Event)
		close(stream)
		return stream, func() {}
	}
	accepted := make(map[EventType]struct{}, len(types))
	for _, eventType := range types {
		accepted[eventType] = struct{}{}
	}
	subscriber := &scopeSubscriber{
		id:     d.nextSequence(),
		types:  accepted,
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(scope, subscriber)
	cancel := func() {
		d.unregisterSubscriber(scope, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return subscriber.stream, cancel
}

// Publish delivers the event to every subscriber of its scope whose type
// filter matches. Events with an empty scope or type are ignored.
func (d *Dispatcher) Publish(event Event) {
	if event.Scope == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Scope]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*scopeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		if len(subscriber.types) > 0 {
			if _, ok := subscriber.types[event.Type]; !ok {
				continue
			}
		}
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions on a scope.
func (d *Dispatcher) SubscriberCount(scope string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[scope])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(scope string, subscriber *scopeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[scope]; !ok {
		d.subscribers[scope] = make(map[int64]*scopeSubscriber)
	}
	d.subscribers[scope][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(scope string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[scope]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, scope)
		}
	}
	d.mu.Unlock()
}
