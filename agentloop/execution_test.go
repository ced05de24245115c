package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func newLocal(t *testing.T) *LocalWorkspace {
	t.Helper()
	ws, err := NewLocalWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalWorkspace: %v", err)
	}
	return ws
}

func TestLocalWorkspaceFiles(t *testing.T) {
	ws := newLocal(t)

	if _, exists, err := ws.ReadFile("nope.txt"); err != nil || exists {
		t.Errorf("expected missing file without error, got exists=%v err=%v", exists, err)
	}
	if err := ws.WriteFile("dir/sub/a.txt", []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, exists, err := ws.ReadFile("dir/sub/a.txt")
	if err != nil || !exists || string(content) != "hello" {
		t.Fatalf("expected hello, got %q exists=%v err=%v", content, exists, err)
	}
	if err := ws.RemoveFile("dir/sub/a.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := ws.RemoveFile("dir/sub/a.txt"); err != nil {
		t.Errorf("expected removing a missing file to succeed, got %v", err)
	}
}

func TestLocalWorkspaceStaysInsideRoot(t *testing.T) {
	ws := newLocal(t)
	for _, p := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		if _, _, err := ws.ReadFile(p); !errors.Is(err, ErrOutsideWorkspace) {
			t.Errorf("%s: expected ErrOutsideWorkspace, got %v", p, err)
		}
		if err := ws.WriteFile(p, []byte("x")); !errors.Is(err, ErrOutsideWorkspace) {
			t.Errorf("%s: expected write to be refused, got %v", p, err)
		}
	}
	abs := filepath.Join(ws.Root(), "inside.txt")
	if err := ws.WriteFile(abs, []byte("ok")); err != nil {
		t.Errorf("expected absolute path inside the root to work, got %v", err)
	}
}

func TestLocalWorkspaceGlobAndList(t *testing.T) {
	ws := newLocal(t)
	for _, p := range []string{"main.go", "pkg/a.go", "pkg/deep/b.go", "pkg/readme.md", ".git/config"} {
		if err := os.MkdirAll(filepath.Join(ws.Root(), filepath.Dir(p)), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(ws.Root(), p), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ws.Glob("**/*.go", "")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if strings.Join(got, ",") != "main.go,pkg/a.go,pkg/deep/b.go" {
		t.Errorf("unexpected glob result %v", got)
	}
	got, _ = ws.Glob("*.go", "pkg")
	if strings.Join(got, ",") != "pkg/a.go" {
		t.Errorf("expected results relative to the root, got %v", got)
	}

	entries, err := ws.ListDirectory("pkg", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "a.go,deep,readme.md" {
		t.Errorf("expected one level, got %v", names)
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "pkg/a.go", false},
		{"**/*.go", "pkg/a.go", true},
		{"**/*.go", "a.go", true},
		{"pkg/**", "pkg/x/y", true},
		{"pkg/**/b.go", "pkg/b.go", true},
		{"src/*.ts", "lib/a.ts", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.path); got != tt.want {
			t.Errorf("matchGlob(%q, %q): expected %v, got %v", tt.pattern, tt.path, tt.want, got)
		}
	}
}

func TestLocalWorkspaceExecCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	ws := newLocal(t)

	res, err := ws.ExecCommand(context.Background(), "echo out; echo err 1>&2; exit 3", 5000, "", map[string]string{"EXTRA": "1"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" || res.ExitCode != 3 {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = ws.ExecCommand(context.Background(), "sleep 5", 100, "", nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected the command to time out")
	}
}

func TestFilterEnvironment(t *testing.T) {
	env := filterEnvironment([]string{"PATH=/bin", "OPENAI_API_KEY=sk", "GITHUB_TOKEN=t", "EDITOR=vi", "DB_PASSWORD=p"})
	if strings.Join(env, ",") != "PATH=/bin,EDITOR=vi" {
		t.Errorf("expected secrets removed, got %v", env)
	}
}
