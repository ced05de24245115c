package agentloop

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleState(t *testing.T) PersistedState {
	t.Helper()
	ws := newMemWorkspace(map[string]string{"a.txt": "same", "b.txt": "same", "c.txt": "other"})
	cps := NewCheckpointManager(ws)
	snaps, err := cps.Snapshot("a.txt", "b.txt", "c.txt", "missing.txt")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	cp, err := cps.Create(CheckpointToolEdit, "before edit", snaps)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	th := NewChatThread("thread-1")
	th.append(NewCheckpointMessage(cp))
	th.append(NewUserMessage(UserContent{Text: "edit a.txt", Context: []ContextFile{{Path: "a.txt", Content: "same"}}}))
	assistantWithCalls(th, ToolCall{
		ID:        "c1",
		Name:      "edit_file",
		Arguments: json.RawMessage(`{"file_path":"a.txt"}`),
		Status:    StatusSuccess,
		Category:  CategoryEdits,
	})
	th.append(NewToolResultMessage(ToolResultContent{ToolCallID: "c1", ToolName: "edit_file", Status: StatusSuccess, Content: "ok"}))
	th.setStats(CompressionStats{Level: LevelTruncate, Ratio: 0.55})

	return PersistedState{
		Thread:      th.Snapshot(),
		Checkpoints: cps.List(),
		Handoff:     &HandoffDocument{ThreadID: "thread-0", Objective: "earlier work", PendingSteps: []string{"finish"}},
	}
}

func TestThreadStoreRoundTrip(t *testing.T) {
	store, err := OpenThreadStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	state := sampleState(t)
	if err := store.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load("thread-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got.Thread.ID != "thread-1" || len(got.Thread.Messages) != len(state.Thread.Messages) {
		t.Fatalf("expected %d messages, got %d", len(state.Thread.Messages), len(got.Thread.Messages))
	}
	for i, m := range got.Thread.Messages {
		want := state.Thread.Messages[i]
		if m.ID != want.ID || m.Seq != want.Seq || m.Kind != want.Kind {
			t.Errorf("message %d: expected %s/%d/%s, got %s/%d/%s", i, want.ID, want.Seq, want.Kind, m.ID, m.Seq, m.Kind)
		}
		if !m.Timestamp.Equal(want.Timestamp) {
			t.Errorf("message %d: expected timestamp %s, got %s", i, want.Timestamp, m.Timestamp)
		}
	}
	if u := got.Thread.Messages[1].User; u == nil || len(u.Context) != 1 || u.Context[0].Content != "same" {
		t.Errorf("expected user context to survive, got %+v", u)
	}
	tc := got.Thread.Messages[2].Assistant.ToolCalls[0]
	if string(tc.Arguments) != `{"file_path":"a.txt"}` || tc.Status != StatusSuccess || tc.Category != CategoryEdits {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if got.Thread.Stats == nil || got.Thread.Stats.Level != LevelTruncate {
		t.Errorf("expected stats to survive, got %+v", got.Thread.Stats)
	}
	if got.Handoff == nil || got.Handoff.Objective != "earlier work" {
		t.Errorf("expected handoff to survive, got %+v", got.Handoff)
	}
	if got.SavedAt.IsZero() {
		t.Error("expected SavedAt to be set")
	}

	if len(got.Checkpoints) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(got.Checkpoints))
	}
	snaps := got.Checkpoints[0].Snapshots
	for path, want := range map[string]string{"a.txt": "same", "b.txt": "same", "c.txt": "other"} {
		if s := snaps[path]; !s.Exists || string(s.Content) != want {
			t.Errorf("%s: expected %q, got %q (exists=%v)", path, want, s.Content, s.Exists)
		}
	}
	if s := snaps["missing.txt"]; s.Exists || len(s.Content) != 0 {
		t.Errorf("expected missing file recorded as absent, got %+v", s)
	}
}

func TestThreadStoreDeduplicatesContent(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenThreadStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Save(sampleState(t)); err != nil {
		t.Fatalf("save: %v", err)
	}
	objects, err := os.ReadDir(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("read objects: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("expected 2 distinct objects for 3 files, got %d", len(objects))
	}
}

func TestThreadStoreDetectsCorruptObject(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenThreadStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	state := sampleState(t)
	if err := store.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	hash := state.Checkpoints[0].Snapshots["c.txt"].Hash
	if err := os.WriteFile(filepath.Join(dir, "objects", hash), store.encoder.EncodeAll([]byte("tampered"), nil), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Load("thread-1"); err == nil {
		t.Error("expected a hash mismatch to fail the load")
	}
}

func TestThreadStoreListAndDelete(t *testing.T) {
	store, err := OpenThreadStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.Load("nope"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound, got %v", err)
	}
	for _, id := range []string{"t-a", "t-b"} {
		if err := store.Save(PersistedState{Thread: NewChatThread(id).Snapshot()}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	ids, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 threads, got %v", ids)
	}
	if err := store.Delete("t-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("t-a"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound on second delete, got %v", err)
	}
	ids, _ = store.List()
	if len(ids) != 1 || ids[0] != "t-b" {
		t.Errorf("expected only t-b left, got %v", ids)
	}
}

func TestThreadStoreRejectsPathLikeIDs(t *testing.T) {
	store, err := OpenThreadStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	for _, id := range []string{"", "..", "../escape", "a/b"} {
		if err := store.Save(PersistedState{Thread: ThreadSnapshot{ID: id}}); err == nil {
			t.Errorf("expected id %q to be refused", id)
		}
	}
}

func TestWorkspaceStoreDir(t *testing.T) {
	a := WorkspaceStoreDir("/base", "/work/one")
	b := WorkspaceStoreDir("/base", "/work/two")
	if a == b {
		t.Error("expected distinct directories per workspace")
	}
	if a != WorkspaceStoreDir("/base", "/work/one/") {
		t.Error("expected the root to be cleaned before hashing")
	}
	if filepath.Dir(a) != "/base" {
		t.Errorf("expected a directory under /base, got %s", a)
	}
}
