package agentloop

import (
	"errors"
	"fmt"

	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

var (
	// ErrBusy is returned when SendUserMessage is called while a previous
	// run on the same thread is still active. Overlapping calls are not queued.
	ErrBusy = errors.New("agentloop: a run is already active on this thread")

	// ErrThreadFrozen is returned for sends to a thread that was handed off.
	ErrThreadFrozen = errors.New("agentloop: thread is frozen after handoff")

	// ErrHandoffRequired stops a run when the context budget is exhausted.
	// The handoff document is available from AgentLoop.Handoff.
	ErrHandoffRequired = errors.New("agentloop: context budget exhausted, handoff required")

	// ErrNoHandoff is returned by StartHandoffThread when no document is
	// pending or it was already consumed.
	ErrNoHandoff = errors.New("agentloop: no pending handoff document")

	// ErrCheckpointNotFound is returned for unknown checkpoint IDs.
	ErrCheckpointNotFound = errors.New("agentloop: checkpoint not found")
)

// TransportErrorCode classifies transport failures.
type TransportErrorCode string

const (
	CodeTimeout      TransportErrorCode = "TIMEOUT"
	CodeStreamClosed TransportErrorCode = "STREAM_CLOSED"
	CodeRateLimited  TransportErrorCode = "RATE_LIMITED"
	CodeProvider     TransportErrorCode = "PROVIDER"
	CodeNetwork      TransportErrorCode = "NETWORK"
)

// TransportError is a network, timeout or provider failure while talking to
// the LLM. It terminates the current run. Retryable is advisory: the caller
// decides whether to send again.
type TransportError struct {
	Code      TransportErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("transport %s: %s", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// transportErrorFrom maps a provider error into a TransportError.
func transportErrorFrom(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	code := CodeProvider
	var (
		timeout *unifiedllm.RequestTimeoutError
		rate    *unifiedllm.RateLimitError
		network *unifiedllm.NetworkError
	)
	switch {
	case errors.As(err, &timeout):
		code = CodeTimeout
	case errors.As(err, &rate):
		code = CodeRateLimited
	case errors.As(err, &network):
		code = CodeNetwork
	}
	return &TransportError{
		Code:      code,
		Message:   "llm request failed",
		Retryable: unifiedllm.IsRetryable(err),
		Cause:     err,
	}
}

// ToolError is a failure reported by a tool body. It is surfaced to the LLM
// as tool-result content and the conversation continues.
type ToolError struct {
	Tool    string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// ParseError marks tool-call arguments that never became valid JSON.
type ParseError struct {
	ToolCallID string
	Raw        string
	Attempts   int
	Reason     string
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tool call %s: malformed arguments after %d parse attempts: %s", e.ToolCallID, e.Attempts, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// RejectionError records a user declining a tool call.
type RejectionError struct {
	ToolCallID string
	Reason     string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool call %s rejected by user", e.ToolCallID)
	}
	return fmt.Sprintf("tool call %s rejected by user: %s", e.ToolCallID, e.Reason)
}

// InterruptedError is the cancellation-flavored outcome of an abort. It
// terminates the current run and must not be retried automatically.
type InterruptedError struct {
	Phase string // "stream", "approval", "tool", "loop"
}

func (e *InterruptedError) Error() string {
	return "interrupted during " + e.Phase
}

// LimitExceededError reports that the run hit MaxLoops. The thread is left
// resumable.
type LimitExceededError struct {
	Limit int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("loop limit of %d iterations reached", e.Limit)
}

// TransitionError rejects an invalid state machine transition.
type TransitionError struct {
	Machine string // "thread" or "tool_call"
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Machine, e.From, e.To)
}

// SnapshotTooLargeError refuses a checkpoint whose file exceeds the
// per-file snapshot bound.
type SnapshotTooLargeError struct {
	Path  string
	Size  int
	Limit int
}

func (e *SnapshotTooLargeError) Error() string {
	return fmt.Sprintf("cannot checkpoint %s: %d bytes exceeds snapshot limit of %d", e.Path, e.Size, e.Limit)
}
