package events

import (
	"sync"
	"time"

	"Strata/model"
)

// EventType classifies layer events
type EventType int

const (
	EventLayerAdded EventType = iota
	EventLayerRemoved
	EventStateChange
	EventPositionUpdate
	EventLayerEnded
	EventGenerationStarted
	EventGenerationFinished
	EventError
)

var eventNames = map[EventType]string{
	EventLayerAdded:         "layer_added",
	EventLayerRemoved:       "layer_removed",
	EventStateChange:        "state_change",
	EventPositionUpdate:     "position_update",
	EventLayerEnded:         "layer_ended",
	EventGenerationStarted:  "generation_started",
	EventGenerationFinished: "generation_finished",
	EventError:              "error",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// AllEventTypes lists every event type the bus knows about
func AllEventTypes() []EventType {
	return []EventType{
		EventLayerAdded,
		EventLayerRemoved,
		EventStateChange,
		EventPositionUpdate,
		EventLayerEnded,
		EventGenerationStarted,
		EventGenerationFinished,
		EventError,
	}
}

// Event is a single notification about a layer or a generation
type Event struct {
	Type     EventType
	LayerID  model.LayerID
	Layer    *model.Layer // snapshot, nil for events without a layer
	Position time.Duration
	Err      error
	At       time.Time
}

// EventBus handles event distribution using channels
type EventBus struct {
	subscribers map[EventType][]chan Event
	mu          sync.RWMutex
	closed      bool
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe returns a channel receiving events of the given types
func (b *EventBus) Subscribe(types ...EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 32)
	if b.closed {
		close(ch)
		return ch
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	return ch
}

// SubscribeAll returns a channel for receiving all event types
func (b *EventBus) SubscribeAll() <-chan Event {
	return b.Subscribe(AllEventTypes()...)
}

// Publish broadcasts an event to all subscribers of that event type.
// Slow subscribers miss events rather than block the publisher.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Unsubscribe removes a subscriber channel and closes it
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var found chan Event
	for eventType, subs := range b.subscribers {
		for i, ch := range subs {
			if ch == sub {
				found = ch
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if found != nil {
		close(found)
	}
}

// Close closes all subscriber channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	// a channel subscribed to several types appears once per type
	closed := make(map[chan Event]bool)
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
	}
	b.subscribers = make(map[EventType][]chan Event)
	b.closed = true
}
