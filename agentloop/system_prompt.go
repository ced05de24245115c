package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

// BuildEnvironmentContext generates the environment block of the system
// prompt.
func BuildEnvironmentContext(ws Workspace, model string) string {
	root := ws.Root()
	branch := gitBranch(root)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Workspace root: %s\n", root)
	fmt.Fprintf(&sb, "Is git repository: %v\n", branch != "")
	if branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", ws.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", ws.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads instruction files from the git root (or dir)
// down to dir. The combined text is capped at 32KB.
func DiscoverProjectDocs(dir string, fileNames []string) string {
	root := gitRoot(dir)
	if root == "" {
		root = dir
	}

	var docs []string
	total := 0
	for _, d := range collectPathHierarchy(root, dir) {
		for _, name := range fileNames {
			content, err := os.ReadFile(filepath.Join(d, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, d, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
// A target outside root yields just root.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	return runGit(dir, "rev-parse", "--show-toplevel")
}

func gitBranch(dir string) string {
	return runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func runGit(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
