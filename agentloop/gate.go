package agentloop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
)

// ApprovalPolicy holds the per-category auto-approve switches.
type ApprovalPolicy struct {
	AutoApproveEdits     bool `yaml:"auto_approve_edits"`
	AutoApproveTerminal  bool `yaml:"auto_approve_terminal"`
	AutoApproveDangerous bool `yaml:"auto_approve_dangerous"`
}

// RequiresApproval reports whether a call in category c must wait for the
// user.
func (p ApprovalPolicy) RequiresApproval(c ToolCategory) bool {
	switch c {
	case CategoryEdits:
		return !p.AutoApproveEdits
	case CategoryTerminal:
		return !p.AutoApproveTerminal
	case CategoryDangerous:
		return !p.AutoApproveDangerous
	}
	return false
}

// ApprovalDecision resolves a pending approval.
type ApprovalDecision struct {
	Approved bool
	Reason   string
}

// ToolOutcome is the classified result of one gated tool call. Content is
// what the model sees; Err is nil on success and otherwise one of
// *ParseError, *ToolError, *RejectionError or *InterruptedError.
type ToolOutcome struct {
	CallID     string
	ToolName   string
	Status     ToolStatus
	Content    string
	IsError    bool
	Err        error
	Checkpoint *Checkpoint
}

// Interrupted reports whether the call was stopped by an abort.
func (o ToolOutcome) Interrupted() bool {
	_, ok := o.Err.(*InterruptedError)
	return ok
}

// ToolExecutionGate runs tool calls one at a time, checkpointing edits and
// waiting for user approval where the policy asks for it.
type ToolExecutionGate struct {
	registry    *ToolRegistry
	workspace   Workspace
	checkpoints *CheckpointManager
	policy      ApprovalPolicy
	limits      TruncationLimits
	logger      *slog.Logger
	emitter     *EventEmitter

	sem chan struct{}

	mu        sync.Mutex
	pending   chan ApprovalDecision
	pendingTC ToolCall
}

// GateOption configures a ToolExecutionGate.
type GateOption func(*ToolExecutionGate)

// WithApprovalPolicy sets the auto-approve switches.
func WithApprovalPolicy(p ApprovalPolicy) GateOption {
	return func(g *ToolExecutionGate) { g.policy = p }
}

// WithTruncationLimits overrides per-tool output limits.
func WithTruncationLimits(l TruncationLimits) GateOption {
	return func(g *ToolExecutionGate) { g.limits = l }
}

// WithGateLogger sets the logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *ToolExecutionGate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateEvents sets the event emitter.
func WithGateEvents(e *EventEmitter) GateOption {
	return func(g *ToolExecutionGate) { g.emitter = e }
}

// NewToolExecutionGate creates a gate. All categories require approval
// unless a policy says otherwise.
func NewToolExecutionGate(registry *ToolRegistry, ws Workspace, checkpoints *CheckpointManager, opts ...GateOption) *ToolExecutionGate {
	g := &ToolExecutionGate{
		registry:    registry,
		workspace:   ws,
		checkpoints: checkpoints,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		sem:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Approve lets the pending call run. It returns false, and changes
// nothing, when no call is awaiting approval.
func (g *ToolExecutionGate) Approve() bool {
	return g.resolve(ApprovalDecision{Approved: true})
}

// Reject declines the pending call. It returns false, and changes nothing,
// when no call is awaiting approval.
func (g *ToolExecutionGate) Reject(reason string) bool {
	return g.resolve(ApprovalDecision{Reason: reason})
}

// Pending returns the call awaiting approval, if any.
func (g *ToolExecutionGate) Pending() (ToolCall, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil || g.pendingTC.ID == "" {
		return ToolCall{}, false
	}
	return g.pendingTC.clone(), true
}

func (g *ToolExecutionGate) resolve(d ApprovalDecision) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil || g.pendingTC.ID == "" {
		return false
	}
	select {
	case g.pending <- d:
		g.pending = nil
		return true
	default:
		return false
	}
}

// Execute drives call through its state machine and returns the outcome.
// The call must already be part of an assistant message on thread.
//
// For edit tools that name a file, a tool_edit checkpoint is created and
// recorded on the thread before approval is requested and before the tool
// body runs. Once the body has started it runs to completion; an abort
// observed afterwards only changes how the outcome is classified.
func (g *ToolExecutionGate) Execute(ctx context.Context, thread *ChatThread, call ToolCall) ToolOutcome {
	log := g.logger.With("thread", thread.ID(), "tool", call.Name, "call_id", call.ID)

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return g.interrupt(thread, call, "approval", "aborted before the tool started")
	}
	defer func() { <-g.sem }()

	if ctx.Err() != nil {
		return g.interrupt(thread, call, "tool", "aborted before the tool started")
	}

	if call.ParseError != nil {
		log.Warn("tool call arguments unparseable", "error", call.ParseError)
		return g.fail(thread, call, call.ParseError, "Error: "+call.ParseError.Error())
	}

	tool := g.registry.Get(call.Name)
	if tool == nil {
		err := &ToolError{Tool: call.Name, Message: "unknown tool"}
		return g.fail(thread, call, err, "Unknown tool: "+call.Name)
	}
	category := tool.CategoryFor(call.Arguments)

	var cp *Checkpoint
	if category == CategoryEdits && tool.PathArg != "" {
		if path := gjson.GetBytes(call.Arguments, tool.PathArg).String(); path != "" {
			c, err := g.checkpoint(thread, call, path)
			if err != nil {
				log.Warn("checkpoint failed, refusing edit", "path", path, "error", err)
				terr := &ToolError{Tool: call.Name, Message: "could not checkpoint " + path, Cause: err}
				return g.fail(thread, call, terr, "Error: "+terr.Error())
			}
			cp = &c
		}
	}

	tag := func(tc *ToolCall) {
		tc.Category = category
		if cp != nil {
			tc.CheckpointID = cp.ID
		}
	}

	if g.policy.RequiresApproval(category) {
		if _, err := thread.transitionToolCall(call.ID, StatusToolRequest, tag); err != nil {
			return g.fail(thread, call, &ToolError{Tool: call.Name, Message: "invalid state", Cause: err}, "Error: "+err.Error())
		}
		decision, ok := g.awaitApproval(ctx, thread, call)
		if !ok {
			out := g.interrupt(thread, call, "approval", "aborted while awaiting approval")
			out.Checkpoint = cp
			return out
		}
		g.emitter.Emit(thread.ID(), EventApprovalResolved, map[string]interface{}{
			"call_id":  call.ID,
			"approved": decision.Approved,
			"reason":   decision.Reason,
		})
		if !decision.Approved {
			log.Info("tool call rejected by user", "reason", decision.Reason)
			rej := &RejectionError{ToolCallID: call.ID, Reason: decision.Reason}
			g.finish(thread, call.ID, StatusRejected, decision.Reason)
			return ToolOutcome{
				CallID:     call.ID,
				ToolName:   call.Name,
				Status:     StatusRejected,
				Content:    "Tool call was rejected by the user." + reasonSuffix(decision.Reason),
				IsError:    true,
				Err:        rej,
				Checkpoint: cp,
			}
		}
		_ = thread.setState(StateExecutingTools)
		tag = nil
	}

	if _, err := thread.transitionToolCall(call.ID, StatusRunning, tag); err != nil {
		return g.fail(thread, call, &ToolError{Tool: call.Name, Message: "invalid state", Cause: err}, "Error: "+err.Error())
	}
	g.emitter.Emit(thread.ID(), EventToolCallStart, map[string]interface{}{
		"call_id":   call.ID,
		"tool_name": call.Name,
	})
	log.Debug("tool running", "category", category)

	raw, err := tool.Executor(context.WithoutCancel(ctx), call.Arguments, g.workspace)

	var out ToolOutcome
	switch {
	case ctx.Err() != nil:
		log.Info("tool finished after abort")
		g.finish(thread, call.ID, StatusRejected, "interrupted")
		out = ToolOutcome{
			Status:  StatusRejected,
			Content: "Tool call was interrupted by the user.",
			IsError: true,
			Err:     &InterruptedError{Phase: "tool"},
		}
	case err != nil:
		log.Info("tool reported error", "error", err)
		g.finish(thread, call.ID, StatusToolError, "")
		out = ToolOutcome{
			Status:  StatusToolError,
			Content: fmt.Sprintf("Tool error (%s): %v", call.Name, err),
			IsError: true,
			Err:     &ToolError{Tool: call.Name, Message: "execution failed", Cause: err},
		}
	default:
		g.finish(thread, call.ID, StatusSuccess, "")
		out = ToolOutcome{
			Status:  StatusSuccess,
			Content: TruncateToolOutput(raw, call.Name, g.limits),
		}
	}
	out.CallID = call.ID
	out.ToolName = call.Name
	out.Checkpoint = cp
	g.emitter.Emit(thread.ID(), EventToolCallEnd, map[string]interface{}{
		"call_id": call.ID,
		"status":  string(out.Status),
		"output":  raw,
	})
	return out
}

func (g *ToolExecutionGate) checkpoint(thread *ChatThread, call ToolCall, path string) (Checkpoint, error) {
	snaps, err := g.checkpoints.Snapshot(path)
	if err != nil {
		return Checkpoint{}, err
	}
	cp, err := g.checkpoints.Create(CheckpointToolEdit, fmt.Sprintf("Before %s on %s", call.Name, path), snaps)
	if err != nil {
		return Checkpoint{}, err
	}
	thread.append(NewCheckpointMessage(cp))
	g.emitter.Emit(thread.ID(), EventCheckpointCreated, map[string]interface{}{
		"checkpoint_id": cp.ID,
		"kind":          string(cp.Kind),
		"call_id":       call.ID,
		"path":          path,
	})
	return cp, nil
}

// awaitApproval parks the call in awaiting_user until Approve, Reject or
// an abort. The pending slot is published together with the call, after
// it has reached awaiting_user and before the thread state changes, so a
// host reacting to awaiting_approval can always resolve it.
func (g *ToolExecutionGate) awaitApproval(ctx context.Context, thread *ChatThread, call ToolCall) (ApprovalDecision, bool) {
	tc, err := thread.transitionToolCall(call.ID, StatusAwaitingUser, nil)
	if err != nil {
		g.logger.Error("cannot await approval", "call_id", call.ID, "error", err)
		return ApprovalDecision{Reason: err.Error()}, true
	}

	ch := make(chan ApprovalDecision, 1)
	g.mu.Lock()
	g.pending = ch
	g.pendingTC = tc
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		if g.pending == ch {
			g.pending = nil
		}
		g.pendingTC = ToolCall{}
		g.mu.Unlock()
	}()

	_ = thread.setState(StateAwaitingApproval)
	g.emitter.Emit(thread.ID(), EventApprovalRequired, map[string]interface{}{
		"call_id":   call.ID,
		"tool_name": call.Name,
		"category":  string(tc.Category),
		"arguments": string(call.Arguments),
	})

	select {
	case d := <-ch:
		return d, true
	case <-ctx.Done():
		return ApprovalDecision{}, false
	}
}

func (g *ToolExecutionGate) fail(thread *ChatThread, call ToolCall, err error, content string) ToolOutcome {
	g.finish(thread, call.ID, StatusToolError, "")
	return ToolOutcome{
		CallID:   call.ID,
		ToolName: call.Name,
		Status:   StatusToolError,
		Content:  content,
		IsError:  true,
		Err:      err,
	}
}

func (g *ToolExecutionGate) interrupt(thread *ChatThread, call ToolCall, phase, reason string) ToolOutcome {
	g.finish(thread, call.ID, StatusRejected, "interrupted: "+reason)
	return ToolOutcome{
		CallID:   call.ID,
		ToolName: call.Name,
		Status:   StatusRejected,
		Content:  "Tool call was interrupted: " + reason + ".",
		IsError:  true,
		Err:      &InterruptedError{Phase: phase},
	}
}

func (g *ToolExecutionGate) finish(thread *ChatThread, callID string, to ToolStatus, reason string) {
	_, err := thread.transitionToolCall(callID, to, func(tc *ToolCall) { tc.Reason = reason })
	if err != nil {
		g.logger.Error("tool call transition failed", "call_id", callID, "error", err)
	}
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " Reason: " + reason
}
