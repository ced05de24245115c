package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

var errRunAborted = errors.New("run aborted")

// AgentLoop drives one conversation thread: it sends the history to the
// model, runs the requested tools through the gate and repeats until the
// model stops asking for tools, the loop limit is hit or the run is
// aborted.
type AgentLoop struct {
	cfg         Config
	profile     ProviderProfile
	workspace   Workspace
	registry    *ToolRegistry
	stream      *StreamCoordinator
	gate        *ToolExecutionGate
	compressor  *ContextCompressor
	checkpoints *CheckpointManager
	emitter     *EventEmitter
	logger      *slog.Logger

	mu      sync.Mutex
	thread  *ChatThread
	running bool
	cancel  context.CancelCauseFunc
	handoff *HandoffDocument
}

type loopOptions struct {
	logger     *slog.Logger
	registry   *ToolRegistry
	thread     *ChatThread
	counter    TokenCounter
	summarizer Summarizer
	emitter    *EventEmitter
}

// LoopOption configures an AgentLoop.
type LoopOption func(*loopOptions)

// WithLogger sets the logger shared by the loop and its components.
func WithLogger(l *slog.Logger) LoopOption {
	return func(o *loopOptions) { o.logger = l }
}

// WithToolRegistry replaces the core tool set.
func WithToolRegistry(r *ToolRegistry) LoopOption {
	return func(o *loopOptions) { o.registry = r }
}

// WithThread starts the loop on an existing thread.
func WithThread(t *ChatThread) LoopOption {
	return func(o *loopOptions) { o.thread = t }
}

// WithLoopTokenCounter sets the compressor's token counter.
func WithLoopTokenCounter(tc TokenCounter) LoopOption {
	return func(o *loopOptions) { o.counter = tc }
}

// WithLoopSummarizer sets the summarizer used for deep compression and
// handoff documents.
func WithLoopSummarizer(s Summarizer) LoopOption {
	return func(o *loopOptions) { o.summarizer = s }
}

// WithEventEmitter shares an emitter with the host.
func WithEventEmitter(e *EventEmitter) LoopOption {
	return func(o *loopOptions) { o.emitter = e }
}

// NewAgentLoop wires the components together. The context limit comes from
// cfg.Compression when set and from the model catalog otherwise.
func NewAgentLoop(transport Transport, ws Workspace, cfg Config, opts ...LoopOption) (*AgentLoop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := loopOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	emitter := o.emitter
	if emitter == nil {
		emitter = NewEventEmitter(cfg.EventBuffer)
	}
	registry := o.registry
	if registry == nil {
		registry = NewToolRegistry()
		RegisterCoreTools(registry, cfg.DefaultCommandTimeoutMs, cfg.MaxCommandTimeoutMs)
	}
	thread := o.thread
	if thread == nil {
		thread = NewChatThread("")
	}

	profile := NewProviderProfile(cfg.Provider, cfg.Model)
	cc := cfg.Compression
	if cc.ContextLimit <= 0 {
		cc.ContextLimit = profile.ContextWindow
	}

	checkpoints := NewCheckpointManager(ws,
		WithCheckpointLimits(cfg.MaxCheckpoints, cfg.MaxSnapshotBytes),
		WithCheckpointLogger(logger.With("component", "checkpoints")))

	compOpts := []CompressorOption{WithCompressorLogger(logger.With("component", "compressor"))}
	if o.counter != nil {
		compOpts = append(compOpts, WithTokenCounter(o.counter))
	}
	if o.summarizer != nil {
		compOpts = append(compOpts, WithSummarizer(o.summarizer))
	}

	return &AgentLoop{
		cfg:       cfg,
		profile:   profile,
		workspace: ws,
		registry:  registry,
		stream: NewStreamCoordinator(transport,
			WithActivityTimeout(cfg.ActivityTimeout),
			WithArgumentLimits(cfg.MaxArgumentBytes, cfg.MaxParseAttempts),
			WithStreamLogger(logger.With("component", "stream"))),
		gate: NewToolExecutionGate(registry, ws, checkpoints,
			WithApprovalPolicy(cfg.Approval),
			WithTruncationLimits(cfg.truncationLimits()),
			WithGateLogger(logger.With("component", "gate")),
			WithGateEvents(emitter)),
		compressor:  NewContextCompressor(cc, compOpts...),
		checkpoints: checkpoints,
		emitter:     emitter,
		logger:      logger,
		thread:      thread,
	}, nil
}

// Thread returns the active thread.
func (l *AgentLoop) Thread() *ChatThread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.thread
}

// Checkpoints returns the checkpoint manager.
func (l *AgentLoop) Checkpoints() *CheckpointManager { return l.checkpoints }

// Registry returns the tool registry.
func (l *AgentLoop) Registry() *ToolRegistry { return l.registry }

// Compressor returns the context compressor.
func (l *AgentLoop) Compressor() *ContextCompressor { return l.compressor }

// Events returns the event channel for the host application.
func (l *AgentLoop) Events() <-chan Event { return l.emitter.Events() }

// Running reports whether a SendUserMessage call is in progress.
func (l *AgentLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Approve lets the call awaiting approval run. It is a no-op returning
// false when nothing is pending.
func (l *AgentLoop) Approve() bool { return l.gate.Approve() }

// Reject declines the call awaiting approval. It is a no-op returning
// false when nothing is pending.
func (l *AgentLoop) Reject(reason string) bool { return l.gate.Reject(reason) }

// PendingApproval returns the call awaiting approval, if any.
func (l *AgentLoop) PendingApproval() (ToolCall, bool) { return l.gate.Pending() }

// Abort stops the active run. An in-flight stream resolves as interrupted,
// a pending approval resolves as interrupted and no further tool call
// starts. A tool body that is already running finishes first.
func (l *AgentLoop) Abort() bool {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(errRunAborted)
	l.stream.Abort()
	return true
}

// Close aborts any active run and closes the event channel.
func (l *AgentLoop) Close() {
	l.Abort()
	l.emitter.Close()
}

// Handoff returns the pending handoff document, if the last run ended in
// one and it has not been consumed yet.
func (l *AgentLoop) Handoff() (HandoffDocument, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handoff == nil {
		return HandoffDocument{}, false
	}
	return *l.handoff.clone(), true
}

// StartHandoffThread consumes the pending handoff document and switches the
// loop to a fresh thread seeded with it. The old thread stays frozen. A
// second call returns ErrNoHandoff.
func (l *AgentLoop) StartHandoffThread() (*ChatThread, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil, ErrBusy
	}
	if l.handoff == nil {
		return nil, ErrNoHandoff
	}
	doc := *l.handoff
	l.handoff = nil

	t := seedThread(doc)
	l.thread = t
	l.compressor.Reset()
	l.logger.Info("started handoff thread", "from", doc.ThreadID, "thread", t.ID())
	l.emitter.Emit(t.ID(), EventHandoff, map[string]interface{}{
		"from_thread": doc.ThreadID,
		"thread":      t.ID(),
	})
	return t, nil
}

// Rollback restores the files recorded in a checkpoint. Files that fail to
// restore are listed in the report; the rest are still restored.
func (l *AgentLoop) Rollback(checkpointID string) (RollbackReport, error) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return RollbackReport{}, ErrBusy
	}
	thread := l.thread
	l.mu.Unlock()

	report, err := l.checkpoints.Rollback(checkpointID)
	if err != nil {
		return report, err
	}
	errs := make([]string, len(report.Errors))
	for i, fe := range report.Errors {
		errs[i] = fe.Error()
	}
	l.logger.Info("rolled back checkpoint", "thread", thread.ID(), "checkpoint", checkpointID,
		"restored", len(report.Restored), "errors", len(report.Errors))
	thread.append(NewAssistantMessage(AssistantContent{
		Notice: fmt.Sprintf("Rolled back checkpoint %s: %d file(s) restored, %d error(s).",
			checkpointID, len(report.Restored), len(report.Errors)),
	}))
	l.emitter.Emit(thread.ID(), EventRollback, map[string]interface{}{
		"checkpoint_id": checkpointID,
		"restored":      report.Restored,
		"errors":        errs,
	})
	return report, nil
}

// SendUserMessage runs one user turn to completion. It blocks until the
// model stops requesting tools, the loop limit is reached, the run is
// aborted or the transport fails; hosts usually call it from a goroutine
// and follow progress through Events and the thread state.
//
// It returns ErrBusy while another run is active (calls are not queued),
// ErrThreadFrozen on a handed-off thread, ErrHandoffRequired when the
// context budget is exhausted, *LimitExceededError at the loop limit,
// *InterruptedError after Abort and *TransportError when the LLM exchange
// fails. In every case the thread is left consistent and resumable.
func (l *AgentLoop) SendUserMessage(ctx context.Context, content UserContent) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrBusy
	}
	thread := l.thread
	if thread.Frozen() {
		l.mu.Unlock()
		return ErrThreadFrozen
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	l.running = true
	l.cancel = cancel
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.cancel = nil
		l.mu.Unlock()
		cancel(nil)
	}()

	return l.run(runCtx, thread, content)
}

func (l *AgentLoop) run(ctx context.Context, thread *ChatThread, content UserContent) error {
	log := l.logger.With("thread", thread.ID())

	if err := l.setState(thread, StateSending); err != nil {
		return err
	}

	cp, err := l.checkpoints.Create(CheckpointUserMessage, "Before: "+truncateRunes(content.Text, 80), nil)
	if err != nil {
		log.Error("user checkpoint failed", "error", err)
	} else {
		thread.append(NewCheckpointMessage(cp))
		l.emitter.Emit(thread.ID(), EventCheckpointCreated, map[string]interface{}{
			"checkpoint_id": cp.ID,
			"kind":          string(cp.Kind),
		})
	}
	user := thread.append(NewUserMessage(content))
	l.emitter.Emit(thread.ID(), EventUserMessage, map[string]interface{}{
		"message_id": user.ID,
		"content":    content.Text,
	})

	systemPrompt := l.profile.BuildSystemPrompt(l.workspace, l.registry, l.cfg.UserInstructions)
	loopWarning := ""

	for iteration := 0; iteration < l.cfg.MaxLoops; iteration++ {
		if ctx.Err() != nil {
			return l.interrupted(thread, "loop")
		}

		history := BuildOutbound(thread.Messages(), l.cfg.HistoryLimit)
		compressed, err := l.compressor.Compress(ctx, thread.ID(), history)
		if err != nil {
			if ctx.Err() != nil {
				return l.interrupted(thread, "loop")
			}
			log.Error("compression failed", "error", err)
			l.emitter.Emit(thread.ID(), EventError, map[string]interface{}{"error": err.Error()})
			_ = l.setState(thread, StateError)
			return fmt.Errorf("compress history: %w", err)
		}
		thread.setStats(compressed.Stats)
		if compressed.Stats.Level > LevelFull {
			l.emitter.Emit(thread.ID(), EventCompression, map[string]interface{}{
				"level":           compressed.Stats.Level.String(),
				"ratio":           compressed.Stats.Ratio,
				"saved_percent":   compressed.Stats.SavedPercent,
				"compacted_turns": compressed.Stats.CompactedTurns,
			})
		}
		if compressed.Handoff != nil {
			return l.startHandoff(thread, compressed.Handoff)
		}

		prompt := systemPrompt
		if loopWarning != "" {
			prompt += "\n\n" + loopWarning
		}
		req := unifiedllm.Request{
			Model:           l.cfg.Model,
			Provider:        l.cfg.Provider,
			Messages:        append([]unifiedllm.Message{unifiedllm.SystemMessage(prompt)}, compressed.Messages...),
			ToolDefs:        l.registry.UnifiedDefinitions(),
			ToolChoice:      &unifiedllm.ToolChoice{Mode: "auto"},
			ReasoningEffort: l.cfg.ReasoningEffort,
			ProviderOptions: l.profile.ProviderOptions,
		}

		msg := thread.append(NewAssistantMessage(AssistantContent{Streaming: true}))
		l.emitter.Emit(thread.ID(), EventAssistantStart, map[string]interface{}{
			"message_id": msg.ID,
			"iteration":  iteration,
		})

		outcome, err := l.stream.Send(ctx, req, func(d StreamDelta) { l.applyDelta(thread, msg.ID, d) })
		if err != nil {
			return l.failTurn(thread, msg.ID, err)
		}

		calls := l.uniqueCalls(thread, outcome.ToolCalls)
		if err := thread.finalizeStreaming(msg.ID, func(a *AssistantContent) {
			a.Text = outcome.Text
			a.Reasoning = outcome.Reasoning
			a.ToolCalls = calls
			a.Usage = outcome.Usage
		}); err != nil {
			log.Error("finalize assistant message", "error", err)
		}
		l.compressor.RecordUsage(outcome.Usage)
		l.emitter.Emit(thread.ID(), EventAssistantEnd, map[string]interface{}{
			"message_id":    msg.ID,
			"text":          outcome.Text,
			"tool_calls":    len(calls),
			"finish_reason": outcome.FinishReason.Reason,
			"input_tokens":  outcome.Usage.InputTokens,
			"output_tokens": outcome.Usage.OutputTokens,
		})

		if len(calls) == 0 {
			return l.setState(thread, StateDone)
		}

		_ = l.setState(thread, StateExecutingTools)
		proceed, err := l.executeTools(ctx, thread, calls)
		if err != nil {
			return err
		}

		if l.cfg.EnableLoopDetection && DetectLoop(thread.Messages(), l.cfg.LoopDetectionWindow) {
			loopWarning = fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.",
				l.cfg.LoopDetectionWindow)
			log.Warn("tool call loop detected", "window", l.cfg.LoopDetectionWindow)
			l.emitter.Emit(thread.ID(), EventLoopDetection, map[string]interface{}{"message": loopWarning})
		}

		if !proceed {
			return l.setState(thread, StateDone)
		}
		_ = l.setState(thread, StateSending)
	}

	notice := fmt.Sprintf("Stopped after %d model turns. Send another message to continue.", l.cfg.MaxLoops)
	thread.append(NewAssistantMessage(AssistantContent{Notice: notice}))
	log.Info("loop limit reached", "max_loops", l.cfg.MaxLoops)
	l.emitter.Emit(thread.ID(), EventLoopLimit, map[string]interface{}{"max_loops": l.cfg.MaxLoops})
	_ = l.setState(thread, StateDone)
	return &LimitExceededError{Limit: l.cfg.MaxLoops}
}

// executeTools runs calls strictly in order, appending each result before
// the next call starts. It reports whether at least one call actually ran
// or failed in a way the model should react to.
func (l *AgentLoop) executeTools(ctx context.Context, thread *ChatThread, calls []ToolCall) (bool, error) {
	proceed := false
	for i, call := range calls {
		if ctx.Err() != nil {
			l.interruptRemaining(thread, calls[i:])
			return false, l.interrupted(thread, "tool")
		}

		out := l.gate.Execute(ctx, thread, call)
		thread.append(NewToolResultMessage(ToolResultContent{
			ToolCallID: out.CallID,
			ToolName:   out.ToolName,
			Status:     out.Status,
			Content:    out.Content,
			IsError:    out.IsError,
		}))
		_ = l.setState(thread, StateExecutingTools)

		if out.Interrupted() {
			l.interruptRemaining(thread, calls[i+1:])
			return false, l.interrupted(thread, "tool")
		}
		if out.Status == StatusSuccess || out.Status == StatusToolError {
			proceed = true
		}
	}
	return proceed, nil
}

// interruptRemaining records calls that never started because of an abort.
func (l *AgentLoop) interruptRemaining(thread *ChatThread, calls []ToolCall) {
	const reason = "run aborted before the call started"
	for _, call := range calls {
		if _, err := thread.transitionToolCall(call.ID, StatusRejected, func(tc *ToolCall) { tc.Reason = "interrupted: " + reason }); err != nil {
			l.logger.Error("tool call transition failed", "call_id", call.ID, "error", err)
		}
		thread.append(NewInterruptedToolMessage(call, reason))
	}
}

func (l *AgentLoop) interrupted(thread *ChatThread, phase string) error {
	l.logger.Info("run interrupted", "thread", thread.ID(), "phase", phase)
	_ = l.setState(thread, StateIdle)
	return &InterruptedError{Phase: phase}
}

// failTurn seals the streaming message with the error and ends the run.
// The core never retries; that is the caller's decision.
func (l *AgentLoop) failTurn(thread *ChatThread, msgID string, err error) error {
	code := "ERROR"
	var (
		te *TransportError
		ie *InterruptedError
	)
	switch {
	case errors.As(err, &te):
		code = string(te.Code)
	case errors.As(err, &ie):
		code = "INTERRUPTED"
	}
	if ferr := thread.finalizeStreaming(msgID, func(a *AssistantContent) {
		a.ErrorCode = code
		a.Error = err.Error()
	}); ferr != nil {
		l.logger.Error("finalize assistant message", "error", ferr)
	}
	l.emitter.Emit(thread.ID(), EventAssistantEnd, map[string]interface{}{
		"message_id": msgID,
		"error":      err.Error(),
	})

	if ie != nil {
		return l.interrupted(thread, ie.Phase)
	}
	retryable := te != nil && te.Retryable
	l.logger.Warn("llm exchange failed", "thread", thread.ID(), "code", code, "retryable", retryable, "error", err)
	l.emitter.Emit(thread.ID(), EventError, map[string]interface{}{
		"code":      code,
		"error":     err.Error(),
		"retryable": retryable,
	})
	_ = l.setState(thread, StateError)
	return err
}

func (l *AgentLoop) startHandoff(thread *ChatThread, doc *HandoffDocument) error {
	l.mu.Lock()
	l.handoff = doc.clone()
	l.mu.Unlock()
	thread.freeze()
	thread.append(NewAssistantMessage(AssistantContent{
		Notice: "The conversation no longer fits the context window. Continue in a new thread.",
	}))
	l.emitter.Emit(thread.ID(), EventHandoff, map[string]interface{}{
		"objective": doc.Objective,
		"pending":   len(doc.PendingSteps),
	})
	_ = l.setState(thread, StateDone)
	return ErrHandoffRequired
}

func (l *AgentLoop) applyDelta(thread *ChatThread, msgID string, d StreamDelta) {
	err := thread.updateStreaming(msgID, func(a *AssistantContent) {
		switch d.Type {
		case unifiedllm.TextDelta:
			a.Text += d.Text
		case unifiedllm.ReasoningDelta:
			a.Reasoning += d.Text
		}
	})
	if err != nil {
		l.logger.Debug("delta for sealed message", "message_id", msgID, "error", err)
		return
	}
	data := map[string]interface{}{
		"message_id": msgID,
		"type":       string(d.Type),
		"text":       d.Text,
	}
	if d.CallID != "" {
		data["call_id"] = d.CallID
		data["tool_name"] = d.ToolName
	}
	l.emitter.Emit(thread.ID(), EventAssistantDelta, data)
}

// uniqueCalls replaces tool call IDs that collide with earlier calls on the
// thread or within the same turn; the gate addresses calls by ID.
func (l *AgentLoop) uniqueCalls(thread *ChatThread, calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, tc := range calls {
		tc = tc.clone()
		if _, exists := thread.ToolCall(tc.ID); exists || seen[tc.ID] {
			old := tc.ID
			tc.ID = "call_" + uuid.New().String()
			if tc.ParseError != nil {
				tc.ParseError.ToolCallID = tc.ID
			}
			l.logger.Warn("duplicate tool call id replaced", "old", old, "new", tc.ID)
		}
		seen[tc.ID] = true
		out[i] = tc
	}
	return out
}

func (l *AgentLoop) setState(thread *ChatThread, to ThreadState) error {
	from := thread.State()
	if err := thread.setState(to); err != nil {
		l.logger.Error("invalid thread transition", "thread", thread.ID(), "error", err)
		return err
	}
	if from != to {
		l.emitter.Emit(thread.ID(), EventStateChange, map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		})
	}
	return nil
}

// Persisted captures the active thread, its checkpoints and any pending
// handoff for a ThreadStore.
func (l *AgentLoop) Persisted() PersistedState {
	l.mu.Lock()
	thread := l.thread
	var doc *HandoffDocument
	if l.handoff != nil {
		doc = l.handoff.clone()
	}
	l.mu.Unlock()
	return PersistedState{
		Thread:      thread.Snapshot(),
		Checkpoints: l.checkpoints.List(),
		Handoff:     doc,
	}
}

// Rehydrate replaces the in-memory state with a stored one. Messages are
// taken as they are; the outbound filter drops tool results that no longer
// match a call.
func (l *AgentLoop) Rehydrate(state PersistedState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrBusy
	}
	l.thread = RestoreThread(state.Thread)
	l.checkpoints.Restore(state.Checkpoints)
	l.handoff = nil
	if state.Handoff != nil {
		l.handoff = state.Handoff.clone()
	}
	l.compressor.Reset()
	if state.Thread.Stats != nil {
		l.compressor.report(state.Thread.Stats.Level)
	}
	l.logger.Info("thread rehydrated", "thread", l.thread.ID(), "messages", l.thread.Len(), "checkpoints", len(state.Checkpoints))
	return nil
}
