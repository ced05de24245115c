package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// Workspace is the external collaborator that owns the files and the
// shell. The core only reads, writes and executes through it.
type Workspace interface {
	FileSystem

	Root() string
	ListDirectory(path string, depth int) ([]DirEntry, error)
	ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error)
	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(pattern string, path string) ([]string, error)

	Platform() string
	OSVersion() string
}

// ErrOutsideWorkspace is returned for paths that resolve outside the root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that are not passed to shell commands.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

func filterEnvironment(environ []string) []string {
	var filtered []string
	for _, env := range environ {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// LocalWorkspace is a Workspace rooted at a directory on the local disk.
// Relative paths resolve against the root and nothing may escape it.
type LocalWorkspace struct {
	root      string
	platform  string
	osVersion string
}

// NewLocalWorkspace creates a workspace at root, defaulting to the current
// directory.
func NewLocalWorkspace(root string) (*LocalWorkspace, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &LocalWorkspace{
		root:      abs,
		platform:  runtime.GOOS,
		osVersion: runtime.GOOS + "/" + runtime.GOARCH,
	}, nil
}

func (w *LocalWorkspace) Root() string      { return w.root }
func (w *LocalWorkspace) Platform() string  { return w.platform }
func (w *LocalWorkspace) OSVersion() string { return w.osVersion }

func (w *LocalWorkspace) resolve(path string) (string, error) {
	if path == "" {
		return w.root, nil
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(w.root, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideWorkspace)
	}
	return resolved, nil
}

func (w *LocalWorkspace) ReadFile(path string) ([]byte, bool, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (w *LocalWorkspace) WriteFile(path string, content []byte) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(resolved, content, 0o644)
}

func (w *LocalWorkspace) RemoveFile(path string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (w *LocalWorkspace) ListDirectory(path string, depth int) ([]DirEntry, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	var result []DirEntry
	err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == resolved {
			return nil
		}
		rel, _ := filepath.Rel(resolved, p)
		if strings.Count(rel, string(filepath.Separator)) >= depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entry := DirEntry{Name: filepath.ToSlash(rel), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = info.Size()
		}
		result = append(result, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list_dir: %w", err)
	}
	return result, nil
}

func (w *LocalWorkspace) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error) {
	dir, err := w.resolve(workingDir)
	if err != nil {
		return nil, err
	}
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	shell, shellArg := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so children die with the shell.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	env := filterEnvironment(os.Environ())
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec_command: %w", runErr)
		}
	}
	return result, nil
}

func (w *LocalWorkspace) Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	target, err := w.resolve(path)
	if err != nil {
		return "", err
	}

	var args []string
	bin, err := exec.LookPath("rg")
	if err == nil {
		args = []string{"--line-number", "--no-heading"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--glob", options.GlobFilter)
		}
		if options.MaxResults > 0 {
			args = append(args, "--max-count", fmt.Sprintf("%d", options.MaxResults))
		}
	} else {
		bin = "grep"
		args = []string{"-rn"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--include", options.GlobFilter)
		}
	}
	args = append(args, "-e", pattern, target)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = w.root
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// Both tools exit 1 when nothing matched.
	_ = cmd.Run()
	return stdout.String(), nil
}

// Glob matches pattern under path. "**" matches any number of directories.
func (w *LocalWorkspace) Glob(pattern string, path string) ([]string, error) {
	base, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	var matches []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(base, p)
		if matchGlob(pattern, filepath.ToSlash(rel)) {
			out, _ := filepath.Rel(w.root, p)
			matches = append(matches, filepath.ToSlash(out))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// matchGlob matches a slash-separated path against a pattern where "**"
// spans directories and every other segment uses filepath.Match rules.
func matchGlob(pattern, path string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegments(pattern[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		ok, err := filepath.Match(pattern[0], parts[0])
		if err != nil || !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}
