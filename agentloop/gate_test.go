package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newGateFixture(policy ApprovalPolicy, files map[string]string, opts ...CheckpointOption) (*ToolExecutionGate, *ChatThread, *memWorkspace) {
	ws := newMemWorkspace(files)
	reg := NewToolRegistry()
	RegisterCoreTools(reg, 1000, 10000)
	g := NewToolExecutionGate(reg, ws, NewCheckpointManager(ws, opts...), WithApprovalPolicy(policy))
	th := NewChatThread("")
	_ = th.setState(StateSending)
	_ = th.setState(StateExecutingTools)
	return g, th, ws
}

func editCall(id string) ToolCall {
	return ToolCall{
		ID:        id,
		Name:      "edit_file",
		Arguments: json.RawMessage(`{"file_path":"app.ts","old_string":"foo","new_string":"bar"}`),
		Status:    StatusPending,
	}
}

func executeAsync(g *ToolExecutionGate, ctx context.Context, th *ChatThread, call ToolCall) <-chan ToolOutcome {
	done := make(chan ToolOutcome, 1)
	go func() { done <- g.Execute(ctx, th, call) }()
	return done
}

func awaitOutcome(t *testing.T, done <-chan ToolOutcome) ToolOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not return")
		return ToolOutcome{}
	}
}

func waitPending(t *testing.T, g *ToolExecutionGate, th *ChatThread, id string) ToolCall {
	t.Helper()
	var pending ToolCall
	ok := waitFor(2*time.Second, func() bool {
		tc, ok := g.Pending()
		pending = tc
		return ok && tc.ID == id && th.State() == StateAwaitingApproval
	})
	if !ok {
		t.Fatalf("expected %s to await approval", id)
	}
	return pending
}

func TestGateApproveRunsEdit(t *testing.T) {
	g, th, ws := newGateFixture(ApprovalPolicy{}, map[string]string{"app.ts": "const foo = 1"})
	call := editCall("c1")
	assistantWithCalls(th, call)

	done := executeAsync(g, context.Background(), th, call)
	pending := waitPending(t, g, th, "c1")
	if pending.Status != StatusAwaitingUser {
		t.Errorf("expected awaiting_user, got %s", pending.Status)
	}
	if pending.Category != CategoryEdits {
		t.Errorf("expected edits category, got %q", pending.Category)
	}

	// The checkpoint exists before approval and the file is untouched.
	cps := g.checkpoints.List()
	if len(cps) != 1 || cps[0].Kind != CheckpointToolEdit {
		t.Fatalf("expected one tool_edit checkpoint before approval, got %d", len(cps))
	}
	if got := string(cps[0].Snapshots["app.ts"].Content); got != "const foo = 1" {
		t.Errorf("expected snapshot of original content, got %q", got)
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected file unchanged while awaiting approval, got %q", c)
	}

	if !g.Approve() {
		t.Fatal("expected Approve to resolve the pending call")
	}
	out := awaitOutcome(t, done)
	if out.Status != StatusSuccess || out.Err != nil {
		t.Fatalf("expected success, got %s: %v", out.Status, out.Err)
	}
	if out.Checkpoint == nil || out.Checkpoint.ID != cps[0].ID {
		t.Errorf("expected outcome to reference the checkpoint")
	}
	if c, _ := ws.content("app.ts"); c != "const bar = 1" {
		t.Errorf("expected edited file, got %q", c)
	}
	if tc, _ := th.ToolCall("c1"); tc.Status != StatusSuccess || tc.CheckpointID != cps[0].ID {
		t.Errorf("expected success with checkpoint id, got %s %q", tc.Status, tc.CheckpointID)
	}
	if th.State() != StateExecutingTools {
		t.Errorf("expected executing_tools after approval, got %s", th.State())
	}
	if g.Approve() {
		t.Error("expected a second Approve to be a no-op")
	}
}

func TestGateRejectSurfacesReason(t *testing.T) {
	g, th, ws := newGateFixture(ApprovalPolicy{}, map[string]string{"app.ts": "const foo = 1"})
	call := editCall("c1")
	assistantWithCalls(th, call)

	done := executeAsync(g, context.Background(), th, call)
	waitPending(t, g, th, "c1")
	if !g.Reject("wrong file") {
		t.Fatal("expected Reject to resolve the pending call")
	}
	if g.Approve() {
		t.Error("expected Approve after Reject to be a no-op")
	}

	out := awaitOutcome(t, done)
	if out.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", out.Status)
	}
	var rej *RejectionError
	if !errors.As(out.Err, &rej) || rej.Reason != "wrong file" {
		t.Errorf("expected RejectionError with reason, got %v", out.Err)
	}
	if out.Interrupted() {
		t.Error("expected a user rejection not to count as interrupted")
	}
	if !strings.Contains(out.Content, "rejected") || !strings.Contains(out.Content, "wrong file") {
		t.Errorf("expected rejection content for the model, got %q", out.Content)
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected file unchanged after rejection, got %q", c)
	}
}

func TestGateApprovalIdempotentWhenNothingPending(t *testing.T) {
	g, th, _ := newGateFixture(ApprovalPolicy{}, nil)
	before := th.State()
	if g.Approve() {
		t.Error("expected Approve with nothing pending to return false")
	}
	if g.Reject("no") {
		t.Error("expected Reject with nothing pending to return false")
	}
	if th.State() != before {
		t.Errorf("expected state %s unchanged, got %s", before, th.State())
	}
	if _, ok := g.Pending(); ok {
		t.Error("expected nothing pending")
	}
}

func TestGateApprovalOnlyResolvesAwaitingCall(t *testing.T) {
	g, th, ws := newGateFixture(ApprovalPolicy{}, map[string]string{"app.ts": "const foo = 1"})

	// A slot without a call in awaiting_user is not resolvable.
	g.mu.Lock()
	g.pending = make(chan ApprovalDecision, 1)
	g.mu.Unlock()
	if g.Approve() || g.Reject("early") {
		t.Error("expected resolution to be refused before the call awaits approval")
	}
	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()

	call := editCall("c1")
	assistantWithCalls(th, call)
	seen := make(chan ToolStatus, 1)
	go func() {
		for !g.Approve() {
			time.Sleep(50 * time.Microsecond)
		}
		tc, _ := th.ToolCall("c1")
		seen <- tc.Status
	}()

	out := awaitOutcome(t, executeAsync(g, context.Background(), th, call))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s: %s", out.Status, out.Content)
	}
	select {
	case status := <-seen:
		if status == StatusPending || status == StatusToolRequest {
			t.Errorf("expected Approve to succeed only once the call awaits the user, got %s", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approver did not finish")
	}
	if c, _ := ws.content("app.ts"); c != "const bar = 1" {
		t.Errorf("expected the approved edit, got %q", c)
	}
}

func TestGateAbortWhileAwaitingApproval(t *testing.T) {
	g, th, ws := newGateFixture(ApprovalPolicy{}, map[string]string{"app.ts": "const foo = 1"})
	call := editCall("c1")
	assistantWithCalls(th, call)

	ctx, cancel := context.WithCancel(context.Background())
	done := executeAsync(g, ctx, th, call)
	waitPending(t, g, th, "c1")
	cancel()

	out := awaitOutcome(t, done)
	if !out.Interrupted() {
		t.Fatalf("expected interrupted outcome, got %s: %v", out.Status, out.Err)
	}
	if out.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", out.Status)
	}
	if tc, _ := th.ToolCall("c1"); !strings.HasPrefix(tc.Reason, "interrupted") {
		t.Errorf("expected interrupted reason, got %q", tc.Reason)
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected file unchanged, got %q", c)
	}
	if g.Approve() {
		t.Error("expected Approve after abort to be a no-op")
	}
}

func TestGateAbortDuringExecution(t *testing.T) {
	g, th, _ := newGateFixture(ApprovalPolicy{AutoApproveTerminal: true}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	finished := false
	g.registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "slow"},
		Category:   CategoryTerminal,
		Executor: func(ctx context.Context, _ json.RawMessage, _ Workspace) (string, error) {
			close(started)
			<-release
			finished = ctx.Err() == nil
			return "done", nil
		},
	})
	call := ToolCall{ID: "c1", Name: "slow", Arguments: json.RawMessage(`{}`)}
	assistantWithCalls(th, call)

	ctx, cancel := context.WithCancel(context.Background())
	done := executeAsync(g, ctx, th, call)
	<-started
	cancel()
	close(release)

	out := awaitOutcome(t, done)
	if !finished {
		t.Error("expected the running tool to complete without seeing the abort")
	}
	var ie *InterruptedError
	if !errors.As(out.Err, &ie) || ie.Phase != "tool" {
		t.Fatalf("expected InterruptedError in tool phase, got %v", out.Err)
	}
	if out.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", out.Status)
	}
}

func TestGateParseErrorShortCircuits(t *testing.T) {
	g, th, ws := newGateFixture(ApprovalPolicy{}, map[string]string{"app.ts": "x"})
	call := ToolCall{
		ID:           "c1",
		Name:         "edit_file",
		RawArguments: `{"file_path":`,
		ParseError:   &ParseError{ToolCallID: "c1", Raw: `{"file_path":`, Reason: "arguments are not valid JSON"},
	}
	assistantWithCalls(th, call)

	out := g.Execute(context.Background(), th, call)
	if out.Status != StatusToolError {
		t.Fatalf("expected tool_error, got %s", out.Status)
	}
	var pe *ParseError
	if !errors.As(out.Err, &pe) {
		t.Errorf("expected ParseError, got %v", out.Err)
	}
	if len(g.checkpoints.List()) != 0 {
		t.Error("expected no checkpoint for unparseable call")
	}
	for _, op := range ws.operations() {
		if strings.HasPrefix(op, "write") {
			t.Errorf("expected no writes, got %q", op)
		}
	}
}

func TestGateUnknownTool(t *testing.T) {
	g, th, _ := newGateFixture(ApprovalPolicy{}, nil)
	call := ToolCall{ID: "c1", Name: "teleport", Arguments: json.RawMessage(`{}`)}
	assistantWithCalls(th, call)

	out := g.Execute(context.Background(), th, call)
	if out.Status != StatusToolError || out.Content != "Unknown tool: teleport" {
		t.Errorf("expected unknown tool error, got %s %q", out.Status, out.Content)
	}
}

func TestGateToolError(t *testing.T) {
	g, th, _ := newGateFixture(ApprovalPolicy{AutoApproveEdits: true}, map[string]string{"app.ts": "nothing here"})
	call := editCall("c1")
	assistantWithCalls(th, call)

	out := g.Execute(context.Background(), th, call)
	if out.Status != StatusToolError || !out.IsError {
		t.Fatalf("expected tool_error, got %s", out.Status)
	}
	var te *ToolError
	if !errors.As(out.Err, &te) {
		t.Errorf("expected ToolError, got %v", out.Err)
	}
	if !strings.HasPrefix(out.Content, "Tool error (edit_file)") {
		t.Errorf("unexpected content %q", out.Content)
	}
}

func TestGateCheckpointHappensBeforeExecution(t *testing.T) {
	g, th, ws := newGateFixture(ApprovalPolicy{AutoApproveEdits: true}, map[string]string{"a.txt": "v1"})
	var seen []string
	g.registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "mutate"},
		Category:   CategoryEdits,
		PathArg:    "file_path",
		Executor: func(_ context.Context, args json.RawMessage, ws Workspace) (string, error) {
			cps := g.checkpoints.List()
			last := cps[len(cps)-1]
			seen = append(seen, fmt.Sprintf("%d:%s", len(cps), last.Snapshots["a.txt"].Content))
			cur, _, _ := ws.ReadFile("a.txt")
			return "ok", ws.WriteFile("a.txt", append(cur, '+'))
		},
	})

	for i := 1; i <= 3; i++ {
		call := ToolCall{ID: fmt.Sprintf("c%d", i), Name: "mutate", Arguments: json.RawMessage(`{"file_path":"a.txt"}`)}
		assistantWithCalls(th, call)
		if out := g.Execute(context.Background(), th, call); out.Status != StatusSuccess {
			t.Fatalf("call %d: expected success, got %s", i, out.Status)
		}
	}

	want := []string{"1:v1", "2:v1+", "3:v1++"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("expected each checkpoint to capture the pre-call content, got %v", seen)
	}
	if c, _ := ws.content("a.txt"); c != "v1+++" {
		t.Errorf("expected three edits, got %q", c)
	}

	var markers int
	for _, m := range th.Messages() {
		if m.Kind == MessageCheckpoint {
			markers++
		}
	}
	if markers != 3 {
		t.Errorf("expected 3 checkpoint markers on the thread, got %d", markers)
	}
}

func TestGateRefusesEditWhenSnapshotTooLarge(t *testing.T) {
	g, th, ws := newGateFixture(ApprovalPolicy{AutoApproveEdits: true},
		map[string]string{"app.ts": "const foo = 1"},
		WithCheckpointLimits(10, 4))
	call := editCall("c1")
	assistantWithCalls(th, call)

	out := g.Execute(context.Background(), th, call)
	if out.Status != StatusToolError {
		t.Fatalf("expected tool_error, got %s", out.Status)
	}
	var tooLarge *SnapshotTooLargeError
	if !errors.As(out.Err, &tooLarge) {
		t.Errorf("expected SnapshotTooLargeError in chain, got %v", out.Err)
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected file unchanged, got %q", c)
	}
}

func TestGateEscalatesDangerousShell(t *testing.T) {
	g, th, _ := newGateFixture(ApprovalPolicy{AutoApproveTerminal: true}, nil)
	safe := ToolCall{ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls -la"}`)}
	risky := ToolCall{ID: "c2", Name: "shell", Arguments: json.RawMessage(`{"command":"rm -rf build"}`)}
	assistantWithCalls(th, safe, risky)

	if out := g.Execute(context.Background(), th, safe); out.Status != StatusSuccess {
		t.Fatalf("expected auto-approved shell to run, got %s", out.Status)
	}

	done := executeAsync(g, context.Background(), th, risky)
	pending := waitPending(t, g, th, "c2")
	if pending.Category != CategoryDangerous {
		t.Errorf("expected dangerous category, got %q", pending.Category)
	}
	g.Reject("")
	if out := awaitOutcome(t, done); out.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", out.Status)
	}
}

func TestGateRunsOneCallAtATime(t *testing.T) {
	g, th, _ := newGateFixture(ApprovalPolicy{AutoApproveTerminal: true}, nil)
	started := make(chan string, 2)
	release := make(chan struct{})
	g.registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "block"},
		Category:   CategoryTerminal,
		Executor: func(ctx context.Context, args json.RawMessage, _ Workspace) (string, error) {
			started <- string(args)
			<-release
			return "", nil
		},
	})
	a := ToolCall{ID: "a", Name: "block", Arguments: json.RawMessage(`"a"`)}
	b := ToolCall{ID: "b", Name: "block", Arguments: json.RawMessage(`"b"`)}
	assistantWithCalls(th, a, b)

	doneA := executeAsync(g, context.Background(), th, a)
	first := <-started
	doneB := executeAsync(g, context.Background(), th, b)

	select {
	case s := <-started:
		t.Fatalf("expected second call to wait, but %s started", s)
	case <-time.After(50 * time.Millisecond):
	}
	if id, _ := th.ActiveToolCall(); id != "a" || first != `"a"` {
		t.Errorf("expected a to hold the slot, got %q", id)
	}
	close(release)
	awaitOutcome(t, doneA)
	awaitOutcome(t, doneB)
}
