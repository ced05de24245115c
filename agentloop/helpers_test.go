package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

// memWorkspace is an in-memory Workspace that records file operations in
// order.
type memWorkspace struct {
	mu       sync.Mutex
	files    map[string][]byte
	writeErr map[string]error
	ops      []string
}

func newMemWorkspace(files map[string]string) *memWorkspace {
	w := &memWorkspace{files: make(map[string][]byte), writeErr: make(map[string]error)}
	for p, c := range files {
		w.files[filepath.Clean(p)] = []byte(c)
	}
	return w
}

func (w *memWorkspace) ReadFile(path string) ([]byte, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path = filepath.Clean(path)
	w.ops = append(w.ops, "read "+path)
	c, ok := w.files[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), c...), true, nil
}

func (w *memWorkspace) WriteFile(path string, content []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	path = filepath.Clean(path)
	w.ops = append(w.ops, "write "+path)
	if err := w.writeErr[path]; err != nil {
		return err
	}
	w.files[path] = append([]byte(nil), content...)
	return nil
}

func (w *memWorkspace) RemoveFile(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	path = filepath.Clean(path)
	w.ops = append(w.ops, "remove "+path)
	if err := w.writeErr[path]; err != nil {
		return err
	}
	delete(w.files, path)
	return nil
}

func (w *memWorkspace) content(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.files[filepath.Clean(path)]
	return string(c), ok
}

func (w *memWorkspace) operations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.ops...)
}

func (w *memWorkspace) Root() string { return "/nonexistent-workspace" }

func (w *memWorkspace) ListDirectory(path string, depth int) ([]DirEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var entries []DirEntry
	for p, c := range w.files {
		entries = append(entries, DirEntry{Name: p, Size: int64(len(c))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (w *memWorkspace) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error) {
	return &ExecResult{Stdout: "ran: " + command}, nil
}

func (w *memWorkspace) Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var lines []string
	for p, c := range w.files {
		if strings.Contains(string(c), pattern) {
			lines = append(lines, p)
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func (w *memWorkspace) Glob(pattern string, path string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for p := range w.files {
		if matchGlob(pattern, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (w *memWorkspace) Platform() string  { return "linux" }
func (w *memWorkspace) OSVersion() string { return "test" }

// turn produces the events of one scripted LLM exchange.
type turn func(ctx context.Context, ch chan<- unifiedllm.StreamEvent)

// scriptedTransport plays turns in order. Once they run out, repeat is
// used for every further request.
type scriptedTransport struct {
	mu       sync.Mutex
	turns    []turn
	repeat   turn
	requests []unifiedllm.Request
}

func newScriptedTransport(turns ...turn) *scriptedTransport {
	return &scriptedTransport{turns: turns}
}

func (s *scriptedTransport) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var next turn
	switch {
	case len(s.turns) > 0:
		next = s.turns[0]
		s.turns = s.turns[1:]
	case s.repeat != nil:
		next = s.repeat
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("no scripted turn left")
	}
	s.mu.Unlock()

	ch := make(chan unifiedllm.StreamEvent)
	go func() {
		defer close(ch)
		next(ctx, ch)
	}()
	return ch, nil
}

func (s *scriptedTransport) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func send(ctx context.Context, ch chan<- unifiedllm.StreamEvent, ev unifiedllm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func finishEvent(reason string, inputTokens int) unifiedllm.StreamEvent {
	return unifiedllm.StreamEvent{
		Type:         unifiedllm.StreamFinish,
		FinishReason: &unifiedllm.FinishReason{Reason: reason},
		Usage:        &unifiedllm.Usage{InputTokens: inputTokens, OutputTokens: 5, TotalTokens: inputTokens + 5},
	}
}

func textTurn(text string) turn {
	return func(ctx context.Context, ch chan<- unifiedllm.StreamEvent) {
		half := len(text) / 2
		if !send(ctx, ch, unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: text[:half]}) {
			return
		}
		if !send(ctx, ch, unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: text[half:]}) {
			return
		}
		send(ctx, ch, finishEvent("stop", 100))
	}
}

type scriptedCall struct {
	id   string
	name string
	args string
}

// toolTurn streams each call's arguments in two fragments.
func toolTurn(calls ...scriptedCall) turn {
	return func(ctx context.Context, ch chan<- unifiedllm.StreamEvent) {
		for i, c := range calls {
			half := len(c.args) / 2
			events := []unifiedllm.StreamEvent{
				{Type: unifiedllm.ToolCallStart, Index: i, ToolCall: &unifiedllm.ToolCall{ID: c.id, Name: c.name}},
				{Type: unifiedllm.ToolCallDelta, Index: i, Delta: c.args[:half]},
				{Type: unifiedllm.ToolCallDelta, Index: i, Delta: c.args[half:]},
				{Type: unifiedllm.ToolCallEnd, Index: i},
			}
			for _, ev := range events {
				if !send(ctx, ch, ev) {
					return
				}
			}
		}
		send(ctx, ch, finishEvent("tool_calls", 100))
	}
}

// blockingTurn signals started and then waits for cancellation.
func blockingTurn(started chan<- struct{}) turn {
	return func(ctx context.Context, ch chan<- unifiedllm.StreamEvent) {
		close(started)
		<-ctx.Done()
	}
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// assistantWithCalls appends an assistant message carrying calls, as the
// loop does after a stream resolves.
func assistantWithCalls(thread *ChatThread, calls ...ToolCall) {
	for i := range calls {
		if calls[i].Status == "" {
			calls[i].Status = StatusPending
		}
	}
	thread.append(NewAssistantMessage(AssistantContent{ToolCalls: calls}))
}
