package changefeed

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(Event{Type: EventOutboxChanged, Scope: "authority", UUIDs: []string{"w-1", "w-2"}})

	select {
	case received := <-stream:
		if received.Type != EventOutboxChanged {
			t.Fatalf("expected event type %s, got %s", EventOutboxChanged, received.Type)
		}
		if len(received.UUIDs) != 2 {
			t.Fatalf("expected 2 uuids, got %d", len(received.UUIDs))
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be filled in")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherDropsEventsForFullSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for range dispatcher.bufferSize + 5 {
		dispatcher.Publish(Event{Type: EventSyncMetadataChanged})
	}
	if len(stream) != dispatcher.bufferSize {
		t.Fatalf("expected buffered events to cap at %d, got %d", dispatcher.bufferSize, len(stream))
	}
}

func TestDispatcherUnsubscribesWhenContextEnds(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
