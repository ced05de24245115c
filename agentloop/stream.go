package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

const (
	DefaultActivityTimeout  = 120 * time.Second
	DefaultMaxArgumentBytes = 1 << 20
	DefaultMaxParseAttempts = 256
)

// Transport opens one streaming LLM exchange. *unifiedllm.Client
// satisfies it.
type Transport interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// StreamDelta is forwarded to the caller as events arrive so the streaming
// assistant message can be updated in place.
type StreamDelta struct {
	Type     unifiedllm.StreamEventType
	Text     string
	Index    int
	CallID   string
	ToolName string
}

// LLMOutcome is the terminal result of one LLM turn. ToolCalls are in the
// order the model started them.
type LLMOutcome struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason unifiedllm.FinishReason
	Usage        unifiedllm.Usage
}

var errStreamAborted = errors.New("stream aborted")

// StreamCoordinator turns an asynchronous event stream into exactly one
// outcome. It guards the exchange with an activity timeout that is re-armed
// on every event, so long responses are fine as long as the model keeps
// talking.
type StreamCoordinator struct {
	transport        Transport
	timeout          time.Duration
	maxArgBytes      int
	maxParseAttempts int
	logger           *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	inFlight bool
}

// StreamOption configures a StreamCoordinator.
type StreamOption func(*StreamCoordinator)

// WithActivityTimeout sets how long the stream may stay silent.
func WithActivityTimeout(d time.Duration) StreamOption {
	return func(c *StreamCoordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithArgumentLimits bounds tool-call argument buffering per call.
func WithArgumentLimits(maxBytes, maxAttempts int) StreamOption {
	return func(c *StreamCoordinator) {
		if maxBytes > 0 {
			c.maxArgBytes = maxBytes
		}
		if maxAttempts > 0 {
			c.maxParseAttempts = maxAttempts
		}
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(c *StreamCoordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewStreamCoordinator creates a coordinator over transport.
func NewStreamCoordinator(transport Transport, opts ...StreamOption) *StreamCoordinator {
	c := &StreamCoordinator{
		transport:        transport,
		timeout:          DefaultActivityTimeout,
		maxArgBytes:      DefaultMaxArgumentBytes,
		maxParseAttempts: DefaultMaxParseAttempts,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Abort cancels the in-flight send, if any. It returns false when nothing
// was in flight.
func (c *StreamCoordinator) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inFlight || c.cancel == nil {
		return false
	}
	c.cancel(errStreamAborted)
	return true
}

// Send performs one LLM exchange and resolves exactly once. onDelta, when
// non-nil, is called synchronously for every text, reasoning and tool-call
// event before the outcome is known.
//
// Errors are *TransportError for network, provider, timeout and
// closed-stream failures, and *InterruptedError when the send was aborted
// or ctx was cancelled.
func (c *StreamCoordinator) Send(ctx context.Context, req unifiedllm.Request, onDelta func(StreamDelta)) (*LLMOutcome, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c.cancel = cancel
	c.inFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.cancel = nil
		c.mu.Unlock()
		cancel(nil)
	}()

	events, err := c.transport.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &InterruptedError{Phase: "stream"}
		}
		return nil, transportErrorFrom(err)
	}

	acc := newStreamAccumulator(c.maxArgBytes, c.maxParseAttempts, c.logger)
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			go drain(events)
			c.logger.Debug("stream interrupted", "cause", context.Cause(ctx))
			return nil, &InterruptedError{Phase: "stream"}

		case <-timer.C:
			go drain(events)
			c.logger.Warn("stream activity timeout", "timeout", c.timeout)
			return nil, &TransportError{
				Code:      CodeTimeout,
				Message:   fmt.Sprintf("no stream activity for %s", c.timeout),
				Retryable: true,
			}

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil, &InterruptedError{Phase: "stream"}
				}
				return nil, &TransportError{
					Code:      CodeStreamClosed,
					Message:   "stream closed before completion",
					Retryable: true,
				}
			}
			timer.Reset(c.timeout)

			switch ev.Type {
			case unifiedllm.TextDelta:
				acc.text.WriteString(ev.Delta)
				notify(onDelta, StreamDelta{Type: ev.Type, Text: ev.Delta})
			case unifiedllm.ReasoningDelta:
				acc.reasoning.WriteString(ev.Delta)
				notify(onDelta, StreamDelta{Type: ev.Type, Text: ev.Delta})
			case unifiedllm.ToolCallStart:
				pc := acc.start(ev)
				notify(onDelta, StreamDelta{Type: ev.Type, Index: ev.Index, CallID: pc.id, ToolName: pc.name})
			case unifiedllm.ToolCallDelta:
				pc := acc.delta(ev)
				notify(onDelta, StreamDelta{Type: ev.Type, Index: ev.Index, CallID: pc.id, ToolName: pc.name, Text: ev.Delta})
			case unifiedllm.ToolCallEnd:
				pc := acc.end(ev)
				notify(onDelta, StreamDelta{Type: ev.Type, Index: ev.Index, CallID: pc.id, ToolName: pc.name})
			case unifiedllm.StreamFinish:
				go drain(events)
				return acc.outcome(ev), nil
			case unifiedllm.StreamError:
				go drain(events)
				if ctx.Err() != nil {
					return nil, &InterruptedError{Phase: "stream"}
				}
				streamErr := ev.Error
				if streamErr == nil {
					streamErr = &unifiedllm.StreamErrorType{SDKError: unifiedllm.SDKError{Message: "provider reported a stream error"}}
				}
				return nil, transportErrorFrom(streamErr)
			default:
				// stream_start and ping only keep the connection alive.
			}
		}
	}
}

func notify(fn func(StreamDelta), d StreamDelta) {
	if fn != nil {
		fn(d)
	}
}

// drain consumes whatever the transport still delivers after the outcome
// is decided so its goroutine can exit.
func drain(events <-chan unifiedllm.StreamEvent) {
	for range events {
	}
}

type pendingCall struct {
	id       string
	name     string
	args     strings.Builder
	attempts int
	complete bool
	overflow bool
}

type streamAccumulator struct {
	text        strings.Builder
	reasoning   strings.Builder
	calls       map[int]*pendingCall
	order       []int
	maxBytes    int
	maxAttempts int
	logger      *slog.Logger
}

func newStreamAccumulator(maxBytes, maxAttempts int, logger *slog.Logger) *streamAccumulator {
	return &streamAccumulator{
		calls:       make(map[int]*pendingCall),
		maxBytes:    maxBytes,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

func (a *streamAccumulator) get(index int) *pendingCall {
	pc, ok := a.calls[index]
	if !ok {
		pc = &pendingCall{}
		a.calls[index] = pc
		a.order = append(a.order, index)
	}
	return pc
}

func (a *streamAccumulator) start(ev unifiedllm.StreamEvent) *pendingCall {
	pc := a.get(ev.Index)
	if ev.ToolCall != nil {
		if ev.ToolCall.ID != "" {
			pc.id = ev.ToolCall.ID
		}
		if ev.ToolCall.Name != "" {
			pc.name = ev.ToolCall.Name
		}
		if len(ev.ToolCall.Arguments) > 0 {
			a.appendArgs(pc, string(ev.ToolCall.Arguments))
		}
	}
	return pc
}

func (a *streamAccumulator) delta(ev unifiedllm.StreamEvent) *pendingCall {
	pc := a.get(ev.Index)
	a.appendArgs(pc, ev.Delta)
	return pc
}

func (a *streamAccumulator) end(ev unifiedllm.StreamEvent) *pendingCall {
	pc := a.get(ev.Index)
	if ev.ToolCall != nil && pc.args.Len() == 0 && len(ev.ToolCall.Arguments) > 0 {
		a.appendArgs(pc, string(ev.ToolCall.Arguments))
	}
	return pc
}

// appendArgs accumulates an argument fragment and tries an incremental
// parse. A failed parse just means more fragments are expected.
func (a *streamAccumulator) appendArgs(pc *pendingCall, fragment string) {
	if pc.overflow || fragment == "" {
		return
	}
	if pc.args.Len()+len(fragment) > a.maxBytes {
		pc.overflow = true
		a.logger.Warn("tool call arguments exceed buffer limit", "call_id", pc.id, "limit", a.maxBytes)
		return
	}
	pc.args.WriteString(fragment)
	pc.complete = false
	if pc.attempts >= a.maxAttempts {
		return
	}
	pc.attempts++
	pc.complete = json.Valid([]byte(pc.args.String()))
}

func (a *streamAccumulator) outcome(ev unifiedllm.StreamEvent) *LLMOutcome {
	out := &LLMOutcome{
		Text:      a.text.String(),
		Reasoning: a.reasoning.String(),
	}
	if ev.FinishReason != nil {
		out.FinishReason = *ev.FinishReason
	}
	if ev.Usage != nil {
		out.Usage = *ev.Usage
	}
	for _, idx := range a.order {
		out.ToolCalls = append(out.ToolCalls, a.finalize(a.calls[idx]))
	}
	return out
}

// finalize runs the last parse attempt. Arguments that are still not a
// JSON object get a ParseError so the gate can report it to the model.
func (a *streamAccumulator) finalize(pc *pendingCall) ToolCall {
	id := pc.id
	if id == "" || !ValidToolCallID(id) {
		id = "call_" + uuid.New().String()
	}
	tc := ToolCall{ID: id, Name: pc.name, Status: StatusPending}
	raw := strings.TrimSpace(pc.args.String())
	tc.RawArguments = raw

	fail := func(reason string) ToolCall {
		tc.ParseError = &ParseError{ToolCallID: id, Raw: raw, Attempts: pc.attempts + 1, Reason: reason}
		a.logger.Warn("tool call arguments did not parse", "call_id", id, "tool", pc.name, "reason", reason)
		return tc
	}

	switch {
	case pc.overflow:
		return fail(fmt.Sprintf("arguments exceed %d bytes", a.maxBytes))
	case raw == "":
		tc.Arguments = json.RawMessage("{}")
		return tc
	}

	data := []byte(raw)
	if !pc.complete && !json.Valid(data) {
		data = jsonc.ToJSON(data)
		if !json.Valid(data) {
			return fail("arguments are not valid JSON")
		}
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return fail("arguments must be a JSON object")
	}
	tc.Arguments = append(json.RawMessage(nil), data...)
	return tc
}
