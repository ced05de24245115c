package agentloop

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

// MessageKind discriminates between message variants.
type MessageKind string

const (
	MessageUser            MessageKind = "user"
	MessageAssistant       MessageKind = "assistant"
	MessageToolResult      MessageKind = "tool_result"
	MessageCheckpoint      MessageKind = "checkpoint"
	MessageInterruptedTool MessageKind = "interrupted_tool"
)

// Message is one entry in a thread. Exactly one payload pointer is set,
// matching Kind. Seq is assigned on append and strictly increases.
type Message struct {
	ID          string                  `json:"id" cbor:"id"`
	Seq         uint64                  `json:"seq" cbor:"seq"`
	Kind        MessageKind             `json:"kind" cbor:"kind"`
	Timestamp   time.Time               `json:"timestamp" cbor:"ts"`
	User        *UserContent            `json:"user,omitempty" cbor:"user,omitempty"`
	Assistant   *AssistantContent       `json:"assistant,omitempty" cbor:"assistant,omitempty"`
	ToolResult  *ToolResultContent      `json:"tool_result,omitempty" cbor:"tool_result,omitempty"`
	Checkpoint  *CheckpointMarker       `json:"checkpoint,omitempty" cbor:"checkpoint,omitempty"`
	Interrupted *InterruptedToolContent `json:"interrupted,omitempty" cbor:"interrupted,omitempty"`
}

// UserContent is what the user sent: free text plus optional file context.
type UserContent struct {
	Text    string        `json:"text" cbor:"text"`
	Context []ContextFile `json:"context,omitempty" cbor:"context,omitempty"`
}

// ContextFile is a file the user attached to a message.
type ContextFile struct {
	Path    string `json:"path" cbor:"path"`
	Content string `json:"content" cbor:"content"`
}

// AssistantContent holds one model turn. While Streaming is true the
// message is the thread's single mutable entry.
type AssistantContent struct {
	Text      string           `json:"text" cbor:"text"`
	Reasoning string           `json:"reasoning,omitempty" cbor:"reasoning,omitempty"`
	ToolCalls []ToolCall       `json:"tool_calls,omitempty" cbor:"tool_calls,omitempty"`
	Usage     unifiedllm.Usage `json:"usage" cbor:"usage"`
	Streaming bool             `json:"streaming,omitempty" cbor:"streaming,omitempty"`
	ErrorCode string           `json:"error_code,omitempty" cbor:"error_code,omitempty"`
	Error     string           `json:"error,omitempty" cbor:"error,omitempty"`
	Notice    string           `json:"notice,omitempty" cbor:"notice,omitempty"`
}

// ToolResultContent is the outcome of one tool call as shown to the model.
type ToolResultContent struct {
	ToolCallID string     `json:"tool_call_id" cbor:"tool_call_id"`
	ToolName   string     `json:"tool_name" cbor:"tool_name"`
	Status     ToolStatus `json:"status" cbor:"status"`
	Content    string     `json:"content" cbor:"content"`
	IsError    bool       `json:"is_error" cbor:"is_error"`
}

// CheckpointMarker places a checkpoint in the message timeline.
type CheckpointMarker struct {
	CheckpointID string         `json:"checkpoint_id" cbor:"checkpoint_id"`
	Kind         CheckpointKind `json:"kind" cbor:"kind"`
	Description  string         `json:"description" cbor:"description"`
}

// InterruptedToolContent records a tool call that never ran because the
// run was aborted.
type InterruptedToolContent struct {
	ToolCallID string `json:"tool_call_id" cbor:"tool_call_id"`
	ToolName   string `json:"tool_name" cbor:"tool_name"`
	Reason     string `json:"reason" cbor:"reason"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content UserContent) Message {
	return Message{Kind: MessageUser, User: &content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content AssistantContent) Message {
	return Message{Kind: MessageAssistant, Assistant: &content}
}

// NewToolResultMessage creates a tool result message.
func NewToolResultMessage(content ToolResultContent) Message {
	return Message{Kind: MessageToolResult, ToolResult: &content}
}

// NewCheckpointMessage creates a checkpoint marker message.
func NewCheckpointMessage(cp Checkpoint) Message {
	return Message{Kind: MessageCheckpoint, Checkpoint: &CheckpointMarker{
		CheckpointID: cp.ID,
		Kind:         cp.Kind,
		Description:  cp.Description,
	}}
}

// NewInterruptedToolMessage creates an interrupted tool message.
func NewInterruptedToolMessage(call ToolCall, reason string) Message {
	return Message{Kind: MessageInterruptedTool, Interrupted: &InterruptedToolContent{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Reason:     reason,
	}}
}

// Text returns the human-readable text of a message regardless of kind.
func (m Message) Text() string {
	switch m.Kind {
	case MessageUser:
		if m.User != nil {
			return m.User.Text
		}
	case MessageAssistant:
		if m.Assistant != nil {
			switch {
			case m.Assistant.Notice != "":
				return m.Assistant.Notice
			case m.Assistant.Error != "":
				return m.Assistant.Error
			}
			return m.Assistant.Text
		}
	case MessageToolResult:
		if m.ToolResult != nil {
			return m.ToolResult.Content
		}
	case MessageCheckpoint:
		if m.Checkpoint != nil {
			return m.Checkpoint.Description
		}
	case MessageInterruptedTool:
		if m.Interrupted != nil {
			return m.Interrupted.Reason
		}
	}
	return ""
}

func (m Message) clone() Message {
	out := m
	if m.User != nil {
		u := *m.User
		u.Context = append([]ContextFile(nil), m.User.Context...)
		out.User = &u
	}
	if m.Assistant != nil {
		a := *m.Assistant
		if m.Assistant.ToolCalls != nil {
			a.ToolCalls = make([]ToolCall, len(m.Assistant.ToolCalls))
			for i, tc := range m.Assistant.ToolCalls {
				a.ToolCalls[i] = tc.clone()
			}
		}
		out.Assistant = &a
	}
	if m.ToolResult != nil {
		tr := *m.ToolResult
		out.ToolResult = &tr
	}
	if m.Checkpoint != nil {
		c := *m.Checkpoint
		out.Checkpoint = &c
	}
	if m.Interrupted != nil {
		in := *m.Interrupted
		out.Interrupted = &in
	}
	return out
}

var toolCallIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{1,128}$`)

// ValidToolCallID reports whether id is syntactically acceptable.
func ValidToolCallID(id string) bool {
	return toolCallIDPattern.MatchString(id)
}

// BuildOutbound converts thread messages into the LLM request history.
//
// Only the most recent limit messages are considered. Tool results and
// interrupted-tool records survive only when their toolCallId is valid and
// refers to a call emitted by a preceding assistant message inside the
// window; everything else is dropped. Checkpoint markers never reach the
// model. Assistant tool calls whose results are missing get a synthetic
// interrupted result so the history stays well formed for providers that
// require every call to be answered.
func BuildOutbound(messages []Message, limit int) []unifiedllm.Message {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	known := make(map[string]bool)
	answered := make(map[string]bool)
	var out []unifiedllm.Message
	var open []ToolCall

	flushOpen := func() {
		for _, tc := range open {
			if !answered[tc.ID] {
				out = append(out, unifiedllm.ToolResultMessage(tc.ID, "Tool call was not executed.", true))
				answered[tc.ID] = true
			}
		}
		open = nil
	}

	for _, m := range messages {
		switch m.Kind {
		case MessageUser:
			if m.User == nil {
				continue
			}
			flushOpen()
			out = append(out, unifiedllm.UserMessage(renderUserContent(*m.User)))
		case MessageAssistant:
			if m.Assistant == nil {
				continue
			}
			flushOpen()
			msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			text := m.Assistant.Text
			if m.Assistant.Error != "" {
				text = strings.TrimSpace(text + "\n[error: " + m.Assistant.Error + "]")
			}
			if text != "" {
				msg.Content = append(msg.Content, unifiedllm.TextPart(text))
			}
			for _, tc := range m.Assistant.ToolCalls {
				if !ValidToolCallID(tc.ID) {
					continue
				}
				args := tc.Arguments
				if len(args) == 0 {
					args = []byte("{}")
				}
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, args))
				known[tc.ID] = true
				open = append(open, tc)
			}
			if len(msg.Content) == 0 {
				// Notices and empty turns are for the user, not the model.
				continue
			}
			out = append(out, msg)
		case MessageToolResult:
			tr := m.ToolResult
			if tr == nil || !ValidToolCallID(tr.ToolCallID) || !known[tr.ToolCallID] || answered[tr.ToolCallID] {
				continue
			}
			answered[tr.ToolCallID] = true
			out = append(out, unifiedllm.ToolResultMessage(tr.ToolCallID, tr.Content, tr.IsError))
		case MessageInterruptedTool:
			in := m.Interrupted
			if in == nil || !ValidToolCallID(in.ToolCallID) || !known[in.ToolCallID] || answered[in.ToolCallID] {
				continue
			}
			answered[in.ToolCallID] = true
			out = append(out, unifiedllm.ToolResultMessage(in.ToolCallID, "Tool call interrupted: "+in.Reason, true))
		case MessageCheckpoint:
			// Not sent.
		}
	}
	flushOpen()
	return out
}

func renderUserContent(u UserContent) string {
	if len(u.Context) == 0 {
		return u.Text
	}
	var sb strings.Builder
	sb.WriteString(u.Text)
	for _, f := range u.Context {
		fmt.Fprintf(&sb, "\n\n<file path=%q>\n%s\n</file>", f.Path, f.Content)
	}
	return sb.String()
}
