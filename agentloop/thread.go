package agentloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ThreadState is the lifecycle state of a ChatThread.
type ThreadState string

const (
	StateIdle             ThreadState = "idle"
	StateSending          ThreadState = "sending"
	StateExecutingTools   ThreadState = "executing_tools"
	StateAwaitingApproval ThreadState = "awaiting_approval"
	StateError            ThreadState = "error"
	StateDone             ThreadState = "done"
)

var threadTransitions = map[ThreadState][]ThreadState{
	StateIdle:             {StateSending, StateDone},
	StateSending:          {StateExecutingTools, StateError, StateDone, StateIdle},
	StateExecutingTools:   {StateAwaitingApproval, StateSending, StateDone, StateIdle},
	StateAwaitingApproval: {StateExecutingTools, StateIdle, StateDone},
	StateError:            {StateSending, StateIdle},
	StateDone:             {StateSending, StateIdle},
}

// StreamState describes the assistant message currently being streamed.
type StreamState struct {
	Active      bool      `json:"active"`
	MessageID   string    `json:"message_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// ChatThread owns one ordered conversation. Messages are append-only except
// for the single assistant message that is still streaming. Writers are the
// AgentLoop and the components it calls; every exported reader returns a
// copy so hosts can render between suspension points without racing.
type ChatThread struct {
	mu         sync.RWMutex
	id         string
	messages   []Message
	seq        uint64
	state      ThreadState
	stream     StreamState
	stats      *CompressionStats
	frozen     bool
	activeCall string
	now        func() time.Time
}

// NewChatThread creates an empty idle thread. An empty id gets a fresh UUID.
func NewChatThread(id string) *ChatThread {
	if id == "" {
		id = uuid.New().String()
	}
	return &ChatThread{
		id:    id,
		state: StateIdle,
		now:   time.Now,
	}
}

// ID returns the thread identifier.
func (t *ChatThread) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *ChatThread) State() ThreadState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Frozen reports whether the thread was handed off and accepts no sends.
func (t *ChatThread) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Stream returns the current streaming state.
func (t *ChatThread) Stream() StreamState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stream
}

// Stats returns the last reported compression stats, or nil.
func (t *ChatThread) Stats() *CompressionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stats == nil {
		return nil
	}
	s := *t.stats
	return &s
}

// Messages returns a deep copy of the message list.
func (t *ChatThread) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages.
func (t *ChatThread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// ActiveToolCall returns the ID of the call that is awaiting approval or
// running, if any.
func (t *ChatThread) ActiveToolCall() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeCall, t.activeCall != ""
}

// ToolCall looks up a tool call by ID across all assistant messages.
func (t *ChatThread) ToolCall(callID string) (ToolCall, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.messages) - 1; i >= 0; i-- {
		a := t.messages[i].Assistant
		if a == nil {
			continue
		}
		for _, tc := range a.ToolCalls {
			if tc.ID == callID {
				return tc.clone(), true
			}
		}
	}
	return ToolCall{}, false
}

// append adds a message and returns the stored copy with ID, Seq and
// Timestamp filled in.
func (t *ChatThread) append(m Message) Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	t.seq++
	m.Seq = t.seq
	if m.Timestamp.IsZero() {
		m.Timestamp = t.now()
	}
	m = m.clone()
	t.messages = append(t.messages, m)
	if m.Kind == MessageAssistant && m.Assistant != nil && m.Assistant.Streaming {
		t.stream = StreamState{Active: true, MessageID: m.ID, StartedAt: m.Timestamp, LastEventAt: m.Timestamp}
	}
	return m.clone()
}

// updateStreaming mutates the streaming assistant message in place. Any
// other message is immutable.
func (t *ChatThread) updateStreaming(id string, fn func(*AssistantContent)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.findLocked(id)
	if m == nil || m.Assistant == nil || !m.Assistant.Streaming {
		return fmt.Errorf("message %s is not a streaming assistant message", id)
	}
	fn(m.Assistant)
	t.stream.LastEventAt = t.now()
	return nil
}

// finalizeStreaming applies a last mutation and seals the message.
func (t *ChatThread) finalizeStreaming(id string, fn func(*AssistantContent)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.findLocked(id)
	if m == nil || m.Assistant == nil || !m.Assistant.Streaming {
		return fmt.Errorf("message %s is not a streaming assistant message", id)
	}
	if fn != nil {
		fn(m.Assistant)
	}
	m.Assistant.Streaming = false
	t.stream = StreamState{}
	return nil
}

// transitionToolCall advances one tool call's state machine. It refuses to
// let a second call enter awaiting_user or running_now while another one
// holds the slot.
func (t *ChatThread) transitionToolCall(callID string, to ToolStatus, fn func(*ToolCall)) (ToolCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc := t.findToolCallLocked(callID)
	if tc == nil {
		return ToolCall{}, fmt.Errorf("tool call %s not found", callID)
	}
	if to.active() && t.activeCall != "" && t.activeCall != callID {
		return tc.clone(), fmt.Errorf("tool call %s cannot enter %s while %s is active", callID, to, t.activeCall)
	}
	if err := tc.Transition(to); err != nil {
		return tc.clone(), err
	}
	if fn != nil {
		fn(tc)
	}
	switch {
	case to.active():
		t.activeCall = callID
	case t.activeCall == callID:
		t.activeCall = ""
	}
	return tc.clone(), nil
}

func (t *ChatThread) findLocked(id string) *Message {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID == id {
			return &t.messages[i]
		}
	}
	return nil
}

func (t *ChatThread) findToolCallLocked(callID string) *ToolCall {
	for i := len(t.messages) - 1; i >= 0; i-- {
		a := t.messages[i].Assistant
		if a == nil {
			continue
		}
		for j := range a.ToolCalls {
			if a.ToolCalls[j].ID == callID {
				return &a.ToolCalls[j]
			}
		}
	}
	return nil
}

// setState moves the thread to a new lifecycle state. Staying in the same
// state is allowed; anything outside the transition table is an error.
func (t *ChatThread) setState(to ThreadState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == to {
		return nil
	}
	for _, allowed := range threadTransitions[t.state] {
		if allowed == to {
			t.state = to
			return nil
		}
	}
	return &TransitionError{Machine: "thread", From: string(t.state), To: string(to)}
}

func (t *ChatThread) setStats(s CompressionStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = &s
}

func (t *ChatThread) freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// ThreadSnapshot is the serializable form of a thread.
type ThreadSnapshot struct {
	ID       string            `json:"id" cbor:"id"`
	State    ThreadState       `json:"state" cbor:"state"`
	Frozen   bool              `json:"frozen" cbor:"frozen"`
	Messages []Message         `json:"messages" cbor:"messages"`
	Stats    *CompressionStats `json:"stats,omitempty" cbor:"stats,omitempty"`
}

// Snapshot captures the thread for persistence.
func (t *ChatThread) Snapshot() ThreadSnapshot {
	snap := ThreadSnapshot{
		ID:       t.id,
		Messages: t.Messages(),
		Stats:    t.Stats(),
	}
	t.mu.RLock()
	snap.State = t.state
	snap.Frozen = t.frozen
	t.mu.RUnlock()
	return snap
}

// RestoreThread rebuilds a thread from a snapshot. Transient states are
// collapsed to idle: a half-streamed assistant message is sealed and tool
// calls that never finished are marked rejected, so the restored thread is
// always resumable.
func RestoreThread(snap ThreadSnapshot) *ChatThread {
	t := NewChatThread(snap.ID)
	t.frozen = snap.Frozen
	if snap.Stats != nil {
		s := *snap.Stats
		t.stats = &s
	}
	switch snap.State {
	case StateDone, StateError:
		t.state = snap.State
	default:
		t.state = StateIdle
	}
	for _, m := range snap.Messages {
		m = m.clone()
		if m.Seq > t.seq {
			t.seq = m.Seq
		} else {
			t.seq++
			m.Seq = t.seq
		}
		if a := m.Assistant; a != nil {
			a.Streaming = false
			for i := range a.ToolCalls {
				if !a.ToolCalls[i].Status.Terminal() {
					a.ToolCalls[i].Status = StatusRejected
					a.ToolCalls[i].Reason = "interrupted before restore"
				}
			}
		}
		t.messages = append(t.messages, m)
	}
	return t
}
