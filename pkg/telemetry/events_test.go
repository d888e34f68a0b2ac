package telemetry

import (
	"sync"
	"testing"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})

	var mu sync.Mutex
	var got []Event
	ep.Subscribe(func(event Event) {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
	})

	ep.Publish(Event{Type: EventTypeRunStarted, RunID: "run-1", Level: EventLevelInfo})
	ep.Publish(Event{Type: EventTypeResourceUpdated, Resource: "file[/etc/motd]", Level: EventLevelInfo})
	ep.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	if got[0].Type != EventTypeRunStarted || got[1].Type != EventTypeResourceUpdated {
		t.Errorf("events out of order: %v", got)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("publish did not fill in event id and timestamp")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	// No dispatch consumer can drain a publisher that was created disabled,
	// so use a tiny buffer and a blocked subscriber instead: publishing
	// past capacity must not block the caller.
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	release := make(chan struct{})
	ep.Subscribe(func(Event) { <-release })

	for i := 0; i < 100; i++ {
		ep.Publish(Event{Type: EventTypeResourceUnchanged})
	}
	close(release)
	ep.Close()
}

func TestDisabledPublisherIsInert(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: false})
	ep.Subscribe(func(Event) {
		t.Error("disabled publisher delivered an event")
	})
	ep.Publish(Event{Type: EventTypeRunStarted})
	ep.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	ep.Close()
	ep.Close()
}
