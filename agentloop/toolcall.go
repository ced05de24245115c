package agentloop

import "encoding/json"

// ToolStatus is the state of a tool call as it moves through the gate.
type ToolStatus string

const (
	StatusPending      ToolStatus = "pending"
	StatusToolRequest  ToolStatus = "tool_request"
	StatusAwaitingUser ToolStatus = "awaiting_user"
	StatusRunning      ToolStatus = "running_now"
	StatusSuccess      ToolStatus = "success"
	StatusToolError    ToolStatus = "tool_error"
	StatusRejected     ToolStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s ToolStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusToolError || s == StatusRejected
}

// active reports whether the status occupies the thread's single tool slot.
func (s ToolStatus) active() bool {
	return s == StatusAwaitingUser || s == StatusRunning
}

// pending -> tool_request -> awaiting_user -> (rejected | running_now)
// pending -> running_now -> (success | tool_error | rejected)
// pending -> tool_error for calls that cannot run at all.
var toolTransitions = map[ToolStatus][]ToolStatus{
	StatusPending:      {StatusToolRequest, StatusRunning, StatusToolError, StatusRejected},
	StatusToolRequest:  {StatusAwaitingUser},
	StatusAwaitingUser: {StatusRejected, StatusRunning},
	StatusRunning:      {StatusSuccess, StatusToolError, StatusRejected},
}

// ToolCall is a model-requested tool invocation tracked on the thread.
type ToolCall struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	RawArguments string          `json:"raw_arguments,omitempty"`
	Status       ToolStatus      `json:"status"`
	ParseError   *ParseError     `json:"-"`
	Category     ToolCategory    `json:"category,omitempty"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Transition moves the call to status to, rejecting moves that the state
// machine does not allow.
func (tc *ToolCall) Transition(to ToolStatus) error {
	for _, allowed := range toolTransitions[tc.Status] {
		if allowed == to {
			tc.Status = to
			return nil
		}
	}
	return &TransitionError{Machine: "tool_call", From: string(tc.Status), To: string(to)}
}

func (tc ToolCall) clone() ToolCall {
	out := tc
	if tc.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), tc.Arguments...)
	}
	if tc.ParseError != nil {
		pe := *tc.ParseError
		out.ParseError = &pe
	}
	return out
}
