package agentloop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Provider = "openai"
	cfg.Model = "test-model"
	cfg.Compression.ContextLimit = 100000
	cfg.ActivityTimeout = 2 * time.Second
	cfg.EventBuffer = 1024
	return cfg
}

func newTestLoop(t *testing.T, transport Transport, ws Workspace, cfg Config, opts ...LoopOption) *AgentLoop {
	t.Helper()
	l, err := NewAgentLoop(transport, ws, cfg, opts...)
	if err != nil {
		t.Fatalf("NewAgentLoop: %v", err)
	}
	return l
}

func sendAsync(l *AgentLoop, text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.SendUserMessage(context.Background(), UserContent{Text: text}) }()
	return done
}

func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return nil
	}
}

func drainEvents(l *AgentLoop) []Event {
	var out []Event
	for {
		select {
		case ev := <-l.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func messageKinds(msgs []Message) []string {
	kinds := make([]string, len(msgs))
	for i, m := range msgs {
		kinds[i] = string(m.Kind)
	}
	return kinds
}

func TestAgentLoopRenameWithApproval(t *testing.T) {
	ws := newMemWorkspace(map[string]string{"app.ts": "const foo = 1"})
	transport := newScriptedTransport(
		toolTurn(scriptedCall{id: "c1", name: "read_file", args: `{"file_path":"app.ts"}`}),
		toolTurn(scriptedCall{id: "c2", name: "edit_file", args: `{"file_path":"app.ts","old_string":"foo","new_string":"bar"}`}),
		textTurn("Renamed foo to bar."),
	)
	l := newTestLoop(t, transport, ws, testConfig())

	done := sendAsync(l, "rename foo to bar in app.ts")
	var pending ToolCall
	if !waitFor(2*time.Second, func() bool {
		var ok bool
		pending, ok = l.PendingApproval()
		return ok
	}) {
		t.Fatal("expected the edit to wait for approval")
	}
	if pending.ID != "c2" || pending.Name != "edit_file" {
		t.Fatalf("expected c2 edit_file pending, got %s %s", pending.ID, pending.Name)
	}
	if l.Thread().State() != StateAwaitingApproval {
		t.Errorf("expected awaiting_approval, got %s", l.Thread().State())
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected file unchanged before approval, got %q", c)
	}
	if !l.Approve() {
		t.Fatal("expected Approve to succeed")
	}

	if err := awaitRun(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c, _ := ws.content("app.ts"); c != "const bar = 1" {
		t.Errorf("expected edited file, got %q", c)
	}
	th := l.Thread()
	if th.State() != StateDone {
		t.Errorf("expected done, got %s", th.State())
	}
	if n := transport.requestCount(); n != 3 {
		t.Errorf("expected 3 LLM requests, got %d", n)
	}

	var edits []Checkpoint
	for _, cp := range l.Checkpoints().List() {
		if cp.Kind == CheckpointToolEdit {
			edits = append(edits, cp)
		}
	}
	if len(edits) != 1 {
		t.Fatalf("expected exactly one tool_edit checkpoint, got %d", len(edits))
	}
	if got := string(edits[0].Snapshots["app.ts"].Content); got != "const foo = 1" {
		t.Errorf("expected checkpoint of the original content, got %q", got)
	}

	want := []string{"checkpoint", "user", "assistant", "tool_result", "assistant", "checkpoint", "tool_result", "assistant"}
	if got := messageKinds(th.Messages()); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected messages %v, got %v", want, got)
	}
	last := th.Messages()[len(th.Messages())-1]
	if last.Assistant.Text != "Renamed foo to bar." || last.Assistant.Streaming {
		t.Errorf("expected sealed final reply, got %+v", last.Assistant)
	}

	// The system prompt leads every request and tool results reach the model.
	transport.mu.Lock()
	final := transport.requests[2]
	transport.mu.Unlock()
	if final.Messages[0].Role != unifiedllm.RoleSystem {
		t.Errorf("expected system message first, got %s", final.Messages[0].Role)
	}
	var results int
	for _, m := range final.Messages {
		if m.Role == unifiedllm.RoleTool {
			results++
		}
	}
	if results != 2 {
		t.Errorf("expected 2 tool results in the final request, got %d", results)
	}

	var required, resolved int
	for _, ev := range drainEvents(l) {
		switch ev.Kind {
		case EventApprovalRequired:
			required++
		case EventApprovalResolved:
			if required == 0 {
				t.Error("expected approval_resolved after approval_required")
			}
			resolved++
		}
	}
	if required != 1 || resolved != 1 {
		t.Errorf("expected one approval round trip, got %d/%d", required, resolved)
	}

	report, err := l.Rollback(edits[0].ID)
	if err != nil || !report.OK() {
		t.Fatalf("rollback failed: %v %+v", err, report)
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected rollback to restore the file, got %q", c)
	}
	msgs := th.Messages()
	if n := msgs[len(msgs)-1]; n.Assistant == nil || !strings.HasPrefix(n.Assistant.Notice, "Rolled back checkpoint") {
		t.Error("expected a rollback notice on the thread")
	}
}

func TestAgentLoopRunsCallsOfOneTurnInOrder(t *testing.T) {
	ws := newMemWorkspace(map[string]string{"app.ts": "v0"})
	edit := func(id, from, to string) scriptedCall {
		return scriptedCall{id: id, name: "edit_file", args: mustJSON(map[string]string{
			"file_path": "app.ts", "old_string": from, "new_string": to,
		})}
	}
	transport := newScriptedTransport(
		toolTurn(edit("c1", "v0", "v1"), edit("c2", "v1", "v2"), edit("c3", "v2", "v3")),
		textTurn("Done."),
	)
	cfg := testConfig()
	cfg.Approval.AutoApproveEdits = true
	l := newTestLoop(t, transport, ws, cfg)

	if err := l.SendUserMessage(context.Background(), UserContent{Text: "bump the version three times"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c, _ := ws.content("app.ts"); c != "v3" {
		t.Fatalf("expected all three edits applied in order, got %q", c)
	}

	// Each call snapshots the file, then reads and writes it, before the
	// next call touches it.
	var ops []string
	for _, op := range ws.operations() {
		if strings.HasSuffix(op, " app.ts") {
			ops = append(ops, strings.TrimSuffix(op, " app.ts"))
		}
	}
	want := "read,read,write,read,read,write,read,read,write"
	if got := strings.Join(ops, ","); got != want {
		t.Errorf("expected operations %s, got %s", want, got)
	}

	var snapshots []string
	for _, cp := range l.Checkpoints().List() {
		if cp.Kind == CheckpointToolEdit {
			snapshots = append(snapshots, string(cp.Snapshots["app.ts"].Content))
		}
	}
	if strings.Join(snapshots, ",") != "v0,v1,v2" {
		t.Errorf("expected each checkpoint to hold the content before its call, got %v", snapshots)
	}

	msgs := l.Thread().Messages()
	markerAt := make(map[string]int)
	var resultOrder []string
	for i, m := range msgs {
		switch m.Kind {
		case MessageCheckpoint:
			markerAt[m.Checkpoint.CheckpointID] = i
		case MessageToolResult:
			resultOrder = append(resultOrder, m.ToolResult.ToolCallID)
			tc, ok := l.Thread().ToolCall(m.ToolResult.ToolCallID)
			if !ok || tc.CheckpointID == "" {
				t.Errorf("%s: expected a checkpoint on the call", m.ToolResult.ToolCallID)
				continue
			}
			at, ok := markerAt[tc.CheckpointID]
			if !ok || at >= i {
				t.Errorf("%s: expected its checkpoint marker before the result", tc.ID)
			}
			if m.ToolResult.Status != StatusSuccess {
				t.Errorf("%s: expected success, got %s", tc.ID, m.ToolResult.Status)
			}
		}
	}
	if strings.Join(resultOrder, ",") != "c1,c2,c3" {
		t.Errorf("expected results in emission order, got %v", resultOrder)
	}
	if n := transport.requestCount(); n != 2 {
		t.Errorf("expected 2 LLM requests, got %d", n)
	}
}

func TestAgentLoopRejectionContinues(t *testing.T) {
	ws := newMemWorkspace(map[string]string{"app.ts": "const foo = 1"})
	transport := newScriptedTransport(
		toolTurn(scriptedCall{id: "c1", name: "edit_file", args: `{"file_path":"app.ts","old_string":"foo","new_string":"bar"}`}),
		textTurn("Understood."),
	)
	l := newTestLoop(t, transport, ws, testConfig())

	done := sendAsync(l, "rename")
	if !waitFor(2*time.Second, func() bool { _, ok := l.PendingApproval(); return ok }) {
		t.Fatal("expected pending approval")
	}
	l.Reject("not now")

	// A rejection alone gives the model nothing new, so the run ends.
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := transport.requestCount(); n != 1 {
		t.Errorf("expected no further request after a lone rejection, got %d", n)
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected file unchanged, got %q", c)
	}
	if tc, _ := l.Thread().ToolCall("c1"); tc.Status != StatusRejected || tc.Reason != "not now" {
		t.Errorf("expected rejected with reason, got %s %q", tc.Status, tc.Reason)
	}
}

func TestAgentLoopStopsAtMaxLoops(t *testing.T) {
	transport := newScriptedTransport()
	transport.repeat = toolTurn(scriptedCall{id: "c1", name: "shell", args: `{"command":"ls"}`})
	cfg := testConfig()
	cfg.MaxLoops = 3
	cfg.Approval.AutoApproveTerminal = true
	l := newTestLoop(t, transport, newMemWorkspace(nil), cfg)

	err := l.SendUserMessage(context.Background(), UserContent{Text: "loop forever"})
	var limit *LimitExceededError
	if !errors.As(err, &limit) || limit.Limit != 3 {
		t.Fatalf("expected LimitExceededError(3), got %v", err)
	}
	if n := transport.requestCount(); n != 3 {
		t.Errorf("expected exactly 3 requests, got %d", n)
	}
	th := l.Thread()
	if th.State() != StateDone {
		t.Errorf("expected done, got %s", th.State())
	}
	msgs := th.Messages()
	last := msgs[len(msgs)-1]
	if last.Assistant == nil || !strings.Contains(last.Assistant.Notice, "Stopped after 3") {
		t.Errorf("expected a loop limit notice, got %+v", last)
	}

	// Repeated call IDs are made unique so the gate can address each call.
	ids := make(map[string]bool)
	for _, m := range msgs {
		if m.Assistant == nil {
			continue
		}
		for _, tc := range m.Assistant.ToolCalls {
			if ids[tc.ID] {
				t.Errorf("duplicate tool call id %s", tc.ID)
			}
			ids[tc.ID] = true
			if tc.Status != StatusSuccess {
				t.Errorf("expected %s to succeed, got %s", tc.ID, tc.Status)
			}
		}
	}
	if len(ids) != 3 {
		t.Errorf("expected 3 tool calls, got %d", len(ids))
	}
}

func TestAgentLoopAbortDuringStream(t *testing.T) {
	started := make(chan struct{})
	transport := newScriptedTransport(blockingTurn(started), textTurn("hello again"))
	l := newTestLoop(t, transport, newMemWorkspace(nil), testConfig())

	if l.Abort() {
		t.Error("expected Abort with no run to return false")
	}
	done := sendAsync(l, "hi")
	<-started

	if err := l.SendUserMessage(context.Background(), UserContent{Text: "again"}); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for an overlapping send, got %v", err)
	}
	if _, err := l.Rollback("any"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for rollback during a run, got %v", err)
	}

	if !l.Abort() {
		t.Fatal("expected Abort to find the run")
	}
	err := awaitRun(t, done)
	var ie *InterruptedError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InterruptedError, got %v", err)
	}
	th := l.Thread()
	if th.State() != StateIdle {
		t.Errorf("expected idle after abort, got %s", th.State())
	}
	if th.Stream().Active {
		t.Error("expected no active stream after abort")
	}
	msgs := th.Messages()
	if a := msgs[len(msgs)-1].Assistant; a == nil || a.ErrorCode != "INTERRUPTED" || a.Streaming {
		t.Errorf("expected sealed interrupted message, got %+v", a)
	}
	if l.Running() {
		t.Error("expected no run in progress")
	}

	if err := l.SendUserMessage(context.Background(), UserContent{Text: "hi again"}); err != nil {
		t.Fatalf("expected the thread to be resumable, got %v", err)
	}
	if th.State() != StateDone {
		t.Errorf("expected done, got %s", th.State())
	}
}

func TestAgentLoopAbortWhileAwaitingApproval(t *testing.T) {
	ws := newMemWorkspace(map[string]string{"app.ts": "const foo = 1"})
	transport := newScriptedTransport(toolTurn(
		scriptedCall{id: "c1", name: "edit_file", args: `{"file_path":"app.ts","old_string":"foo","new_string":"bar"}`},
		scriptedCall{id: "c2", name: "read_file", args: `{"file_path":"app.ts"}`},
	))
	l := newTestLoop(t, transport, ws, testConfig())

	done := sendAsync(l, "rename")
	if !waitFor(2*time.Second, func() bool { _, ok := l.PendingApproval(); return ok }) {
		t.Fatal("expected pending approval")
	}
	l.Abort()

	var ie *InterruptedError
	if err := awaitRun(t, done); !errors.As(err, &ie) {
		t.Fatalf("expected InterruptedError, got %v", err)
	}
	th := l.Thread()
	if th.State() != StateIdle {
		t.Errorf("expected idle, got %s", th.State())
	}
	if c, _ := ws.content("app.ts"); c != "const foo = 1" {
		t.Errorf("expected file unchanged, got %q", c)
	}
	for _, id := range []string{"c1", "c2"} {
		if tc, _ := th.ToolCall(id); tc.Status != StatusRejected {
			t.Errorf("expected %s rejected, got %s", id, tc.Status)
		}
	}
	var interrupted int
	for _, m := range th.Messages() {
		if m.Kind == MessageInterruptedTool && m.Interrupted.ToolCallID == "c2" {
			interrupted++
		}
	}
	if interrupted != 1 {
		t.Errorf("expected the unstarted call to be recorded as interrupted, got %d", interrupted)
	}
	if l.Approve() {
		t.Error("expected Approve after abort to be a no-op")
	}
}

func TestAgentLoopTransportError(t *testing.T) {
	failing := func(ctx context.Context, ch chan<- unifiedllm.StreamEvent) {
		rate := &unifiedllm.RateLimitError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "slow down"}, StatusCode: 429, Retryable: true,
		}}
		send(ctx, ch, unifiedllm.StreamEvent{Type: unifiedllm.StreamError, Error: rate})
	}
	transport := newScriptedTransport(failing, textTurn("recovered"))
	l := newTestLoop(t, transport, newMemWorkspace(nil), testConfig())

	err := l.SendUserMessage(context.Background(), UserContent{Text: "hi"})
	var te *TransportError
	if !errors.As(err, &te) || te.Code != CodeRateLimited {
		t.Fatalf("expected rate limited TransportError, got %v", err)
	}
	th := l.Thread()
	if th.State() != StateError {
		t.Errorf("expected error state, got %s", th.State())
	}
	msgs := th.Messages()
	if a := msgs[len(msgs)-1].Assistant; a == nil || a.ErrorCode != string(CodeRateLimited) {
		t.Errorf("expected error recorded on the assistant message, got %+v", a)
	}

	// The caller decides to retry; the thread accepts the next send.
	if err := l.SendUserMessage(context.Background(), UserContent{Text: "try again"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := transport.requestCount(); n != 2 {
		t.Errorf("expected no automatic retry, got %d requests", n)
	}
}

type shortSummarizer struct{}

func (shortSummarizer) Summarize(context.Context, []unifiedllm.Message) (Summary, error) {
	return Summary{Objective: "shortened", PendingSteps: []string{"finish"}}, nil
}

func TestAgentLoopHandoff(t *testing.T) {
	transport := newScriptedTransport(textTurn("picking up"))
	cfg := testConfig()
	cfg.Compression.ContextLimit = 200
	l := newTestLoop(t, transport, newMemWorkspace(nil), cfg, WithLoopSummarizer(shortSummarizer{}))

	if _, err := l.StartHandoffThread(); !errors.Is(err, ErrNoHandoff) {
		t.Errorf("expected ErrNoHandoff before any handoff, got %v", err)
	}

	old := l.Thread()
	err := l.SendUserMessage(context.Background(), UserContent{Text: strings.Repeat("x", 2000)})
	if !errors.Is(err, ErrHandoffRequired) {
		t.Fatalf("expected ErrHandoffRequired, got %v", err)
	}
	if transport.requestCount() != 0 {
		t.Error("expected no LLM request once the budget is exhausted")
	}
	if !old.Frozen() || old.State() != StateDone {
		t.Errorf("expected frozen done thread, got frozen=%v state=%s", old.Frozen(), old.State())
	}
	if err := l.SendUserMessage(context.Background(), UserContent{Text: "more"}); !errors.Is(err, ErrThreadFrozen) {
		t.Errorf("expected ErrThreadFrozen, got %v", err)
	}
	doc, ok := l.Handoff()
	if !ok || doc.Objective != "shortened" || doc.ThreadID != old.ID() {
		t.Fatalf("expected handoff document for %s, got %+v", old.ID(), doc)
	}

	next, err := l.StartHandoffThread()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ID() == old.ID() || l.Thread() != next {
		t.Error("expected the loop to switch to a new thread")
	}
	if _, err := l.StartHandoffThread(); !errors.Is(err, ErrNoHandoff) {
		t.Errorf("expected the document to be consumed, got %v", err)
	}
	if l.Compressor().Level() != LevelFull {
		t.Errorf("expected compressor reset, got %s", l.Compressor().Level())
	}

	if err := l.SendUserMessage(context.Background(), UserContent{Text: "go on"}); err != nil {
		t.Fatalf("unexpected error on the new thread: %v", err)
	}
	transport.mu.Lock()
	first := transport.requests[0].Messages[1].TextContent()
	transport.mu.Unlock()
	if !strings.Contains(first, "Objective: shortened") {
		t.Errorf("expected the handoff document to open the new conversation, got %q", first)
	}
}

func TestAgentLoopLoopDetectionWarnsModel(t *testing.T) {
	transport := newScriptedTransport()
	transport.repeat = toolTurn(scriptedCall{id: "c1", name: "read_file", args: `{"file_path":"a.txt"}`})
	cfg := testConfig()
	cfg.MaxLoops = 4
	cfg.LoopDetectionWindow = 2
	l := newTestLoop(t, transport, newMemWorkspace(map[string]string{"a.txt": "a"}), cfg)

	_ = l.SendUserMessage(context.Background(), UserContent{Text: "read"})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if strings.Contains(transport.requests[1].Messages[0].TextContent(), "Loop detected") {
		t.Error("expected no warning after a single call")
	}
	if !strings.Contains(transport.requests[2].Messages[0].TextContent(), "Loop detected") {
		t.Error("expected a loop warning in the system prompt once calls repeat")
	}
}

func TestAgentLoopPersistAndRehydrate(t *testing.T) {
	ws := newMemWorkspace(map[string]string{"a.txt": "a"})
	cfg := testConfig()
	cfg.Approval.AutoApproveEdits = true
	transport := newScriptedTransport(
		toolTurn(scriptedCall{id: "c1", name: "write_file", args: `{"file_path":"a.txt","content":"b"}`}),
		textTurn("done"),
	)
	l := newTestLoop(t, transport, ws, cfg)
	if err := l.SendUserMessage(context.Background(), UserContent{Text: "write"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := l.Persisted()

	restored := newTestLoop(t, newScriptedTransport(textTurn("hello")), ws, cfg)
	if err := restored.Rehydrate(state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	th := restored.Thread()
	if th.ID() != l.Thread().ID() || th.Len() != l.Thread().Len() {
		t.Errorf("expected the same thread, got %s with %d messages", th.ID(), th.Len())
	}
	if th.State() != StateIdle {
		t.Errorf("expected idle after restore, got %s", th.State())
	}
	if len(restored.Checkpoints().List()) != len(l.Checkpoints().List()) {
		t.Error("expected checkpoints to be restored")
	}
	if err := restored.SendUserMessage(context.Background(), UserContent{Text: "hi"}); err != nil {
		t.Fatalf("expected the restored thread to accept messages, got %v", err)
	}
}
