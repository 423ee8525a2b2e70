package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventTaskDispatched   EventType = "task_dispatched"
	EventTaskSucceeded    EventType = "task_succeeded"
	EventTaskFailed       EventType = "task_failed"
	EventTaskSkipped      EventType = "task_skipped"
	EventSlotAcquired     EventType = "slot_acquired"
	EventSlotReleased     EventType = "slot_released"
)

// Event is a progress notification from a running session.
type Event struct {
	Type      EventType
	SessionID string
	TaskID    string
	SlotID    string
	Message   string
	Time      time.Time
}

// EventEmitter fans session events out to a single consumer channel.
// Emitting never blocks the run loop: if the consumer falls behind,
// events are dropped after a short wait.
type EventEmitter struct {
	ch      chan Event
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(buffer int) *EventEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventEmitter{ch: make(chan Event, buffer)}
}

// Events returns the consumer channel. Closed when the emitter closes.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Emit delivers an event, waiting briefly if the buffer is full.
func (e *EventEmitter) Emit(ev Event) {
	// The lock is held across the send so Close cannot close the
	// channel mid-emit.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case e.ch <- ev:
	case <-time.After(100 * time.Millisecond):
		n := e.dropped.Add(1)
		if n%10 == 1 {
			log.Printf("[events] consumer slow, dropped %d events", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (e *EventEmitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close closes the consumer channel. Emit becomes a no-op.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
