package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted during a convergence run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Resource is the associated resource identity, if applicable.
	Resource string `json:"resource,omitempty"`

	// Action is the resource action involved, if applicable.
	Action string `json:"action,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`
}

// Event type constants. The engine emits exactly one event per resource
// transition and one per notification fired.
const (
	EventTypeRunStarted        = "run.started"
	EventTypeRunCompleted      = "run.completed"
	EventTypeRunAborted        = "run.aborted"
	EventTypeResourceSkipped   = "resource.skipped"
	EventTypeResourceUnchanged = "resource.unchanged"
	EventTypeResourceUpdated   = "resource.updated"
	EventTypeResourceFailed    = "resource.failed"
	EventTypeNotificationFired = "notification.fired"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventPublisher delivers engine events to subscribers through a buffered
// channel, so a slow subscriber cannot stall the convergence loop.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	ep.buffer = make(chan Event, size)

	ep.wg.Add(1)
	go ep.dispatch()
	return ep
}

// Subscribe registers a subscriber for all future events.
func (ep *EventPublisher) Subscribe(fn EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, fn)
}

// Publish publishes an event. Events are dropped if the buffer is full; the
// run itself must never block on telemetry.
func (ep *EventPublisher) Publish(event Event) {
	if !ep.config.Enabled || ep.buffer == nil {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case ep.buffer <- event:
	default:
	}
}

// Close stops the dispatch loop after flushing buffered events.
func (ep *EventPublisher) Close() {
	if ep.buffer == nil {
		return
	}
	ep.closeOnce.Do(func() {
		close(ep.buffer)
	})
	ep.wg.Wait()
}

func (ep *EventPublisher) dispatch() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.mu.RLock()
		subs := make([]EventSubscriber, len(ep.subscribers))
		copy(subs, ep.subscribers)
		ep.mu.RUnlock()

		for _, fn := range subs {
			fn(event)
		}
	}
}
