package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventUserMessage       EventKind = "user_message"
	EventAssistantStart    EventKind = "assistant_start"
	EventAssistantDelta    EventKind = "assistant_delta"
	EventAssistantEnd      EventKind = "assistant_end"
	EventToolCallStart     EventKind = "tool_call_start"
	EventToolCallEnd       EventKind = "tool_call_end"
	EventApprovalRequired  EventKind = "approval_required"
	EventApprovalResolved  EventKind = "approval_resolved"
	EventCheckpointCreated EventKind = "checkpoint_created"
	EventRollback          EventKind = "rollback"
	EventCompression       EventKind = "compression"
	EventHandoff           EventKind = "handoff"
	EventLoopLimit         EventKind = "loop_limit"
	EventLoopDetection     EventKind = "loop_detection"
	EventStateChange       EventKind = "state_change"
	EventWarning           EventKind = "warning"
	EventError             EventKind = "error"
)

// Event is a typed notification for the host application.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	ThreadID  string                 `json:"thread_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventEmitter delivers events over a buffered channel. Emit never blocks:
// when the host falls behind, events are dropped rather than stalling the
// loop.
type EventEmitter struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped int
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{ch: make(chan Event, bufferSize)}
}

// Emit sends an event. Nil emitters and closed emitters drop it.
func (e *EventEmitter) Emit(threadID string, kind EventKind, data map[string]interface{}) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- Event{Kind: kind, Timestamp: time.Now(), ThreadID: threadID, Data: data}:
	default:
		e.dropped++
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Dropped returns how many events were discarded because the buffer was
// full.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
