package realtime

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToScopeSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "topic:t1", EventPostInserted, EventPostUpdated)
	defer cleanup()

	dispatcher.Publish(Event{
		Type:    EventPostInserted,
		Scope:   "topic:t1",
		Payload: "p1",
	})

	select {
	case received := <-stream:
		if received.Type != EventPostInserted {
			t.Fatalf("expected event type %s, got %s", EventPostInserted, received.Type)
		}
		if received.Payload != "p1" {
			t.Fatalf("unexpected payload: %v", received.Payload)
		}
		if received.Timestamp.IsZero() {
			t.Fatal("expected publish to stamp the event")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherIsolatesScopes(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topicStream, topicCleanup := dispatcher.Subscribe(ctx, "topic:t1", EventPostInserted)
	defer topicCleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "topic:t2", EventPostInserted)
	defer otherCleanup()

	dispatcher.Publish(Event{Type: EventPostInserted, Scope: "topic:t2", Payload: "p9"})

	select {
	case <-topicStream:
		t.Fatal("did not expect event on unrelated scope")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case received := <-otherStream:
		if received.Scope != "topic:t2" {
			t.Fatalf("expected scope topic:t2, got %s", received.Scope)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event on subscribed scope")
	}
}

func TestDispatcherFiltersEventTypes(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "topic:t1", EventPostUpdated)
	defer cleanup()

	dispatcher.Publish(Event{Type: EventPostInserted, Scope: "topic:t1", Payload: "ignored"})
	dispatcher.Publish(Event{Type: EventPostUpdated, Scope: "topic:t1", Payload: "kept"})

	select {
	case received := <-stream:
		if received.Type != EventPostUpdated {
			t.Fatalf("expected filtered stream to deliver only updates, got %s", received.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected update event within deadline")
	}
}

func TestDispatcherCancelRemovesSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx, "topic:t1", EventPostInserted)
	if count := dispatcher.SubscriberCount("topic:t1"); count != 1 {
		t.Fatalf("expected 1 subscriber, got %d", count)
	}

	cleanup()
	if count := dispatcher.SubscriberCount("topic:t1"); count != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", count)
	}
}

func TestDispatcherContextDoneRemovesSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "topic:t1", EventPostInserted)
	defer cleanup()

	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if dispatcher.SubscriberCount("topic:t1") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected subscriber removal after context cancellation")
}
