package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// RegisterCoreTools registers the workspace-backed tools on reg.
func RegisterCoreTools(reg *ToolRegistry, defaultTimeoutMs, maxTimeoutMs int) {
	registerReadFile(reg)
	registerListDir(reg)
	registerGlob(reg)
	registerGrep(reg)
	registerWriteFile(reg)
	registerEditFile(reg)
	registerDeleteFile(reg)
	registerShell(reg, defaultTimeoutMs, maxTimeoutMs)
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func requireString(args map[string]interface{}, key string) (string, error) {
	s, ok := GetStringArg(args, key)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func registerReadFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the workspace. Returns line-numbered content.",
			Parameters: objectSchema([]string{"file_path"}, map[string]interface{}{
				"file_path": stringProp("Path to the file, relative to the workspace root."),
				"offset":    map[string]interface{}{"type": "integer", "description": "1-based line to start from."},
				"limit":     map[string]interface{}{"type": "integer", "description": "Maximum lines to read. Default: 2000."},
			}),
		},
		Executor: func(_ context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			path, err := requireString(args, "file_path")
			if err != nil {
				return "", err
			}
			content, exists, err := ws.ReadFile(path)
			if err != nil {
				return "", err
			}
			if !exists {
				return "", fmt.Errorf("file not found: %s", path)
			}
			offset, _ := GetIntArg(args, "offset")
			limit, _ := GetIntArg(args, "limit")
			if limit <= 0 {
				limit = 2000
			}
			return numberLines(string(content), offset, limit), nil
		},
	})
}

// numberLines formats content as "N | line", starting at the 1-based
// offset and emitting at most limit lines.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}

func registerListDir(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "list_dir",
			Description: "List directory entries. Directories end with a slash.",
			Parameters: objectSchema(nil, map[string]interface{}{
				"path":  stringProp("Directory to list. Default: workspace root."),
				"depth": map[string]interface{}{"type": "integer", "description": "How many levels to descend. Default: 1."},
			}),
		},
		Executor: func(_ context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			path, _ := GetStringArg(args, "path")
			depth, _ := GetIntArg(args, "depth")
			entries, err := ws.ListDirectory(path, depth)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return sb.String(), nil
		},
	})
}

func registerGlob(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "glob",
			Description: "Find files matching a glob pattern such as \"**/*.ts\".",
			Parameters: objectSchema([]string{"pattern"}, map[string]interface{}{
				"pattern": stringProp("Glob pattern."),
				"path":    stringProp("Base directory. Default: workspace root."),
			}),
		},
		Executor: func(_ context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			path, _ := GetStringArg(args, "path")
			matches, err := ws.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

func registerGrep(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "grep",
			Description: "Search file contents with a regex. Returns matching lines with paths and line numbers.",
			Parameters: objectSchema([]string{"pattern"}, map[string]interface{}{
				"pattern":          stringProp("Regex pattern to search for."),
				"path":             stringProp("Directory or file to search. Default: workspace root."),
				"glob_filter":      stringProp("File pattern filter, e.g. \"*.go\"."),
				"case_insensitive": map[string]interface{}{"type": "boolean"},
				"max_results":      map[string]interface{}{"type": "integer", "description": "Default: 100."},
			}),
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			path, _ := GetStringArg(args, "path")
			globFilter, _ := GetStringArg(args, "glob_filter")
			caseInsensitive, _ := GetBoolArg(args, "case_insensitive")
			maxResults, _ := GetIntArg(args, "max_results")
			if maxResults <= 0 {
				maxResults = 100
			}
			out, err := ws.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		},
	})
}

func registerWriteFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file, creating it and its parent directories if needed.",
			Parameters: objectSchema([]string{"file_path", "content"}, map[string]interface{}{
				"file_path": stringProp("Path to write to."),
				"content":   stringProp("The full file content."),
			}),
		},
		Category: CategoryEdits,
		PathArg:  "file_path",
		Executor: func(_ context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			path, err := requireString(args, "file_path")
			if err != nil {
				return "", err
			}
			content, ok := GetStringArg(args, "content")
			if !ok {
				return "", fmt.Errorf("content is required")
			}
			if err := ws.WriteFile(path, []byte(content)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})
}

func registerEditFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must be unique unless replace_all is true.",
			Parameters: objectSchema([]string{"file_path", "old_string", "new_string"}, map[string]interface{}{
				"file_path":   stringProp("Path to the file to edit."),
				"old_string":  stringProp("Exact text to find."),
				"new_string":  stringProp("Replacement text."),
				"replace_all": map[string]interface{}{"type": "boolean", "description": "Replace every occurrence."},
			}),
		},
		Category: CategoryEdits,
		PathArg:  "file_path",
		Executor: func(_ context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			path, err := requireString(args, "file_path")
			if err != nil {
				return "", err
			}
			oldString, err := requireString(args, "old_string")
			if err != nil {
				return "", err
			}
			newString, _ := GetStringArg(args, "new_string")
			replaceAll, _ := GetBoolArg(args, "replace_all")

			raw, exists, err := ws.ReadFile(path)
			if err != nil {
				return "", err
			}
			if !exists {
				return "", fmt.Errorf("file not found: %s", path)
			}
			content := string(raw)
			count := strings.Count(content, oldString)
			switch {
			case count == 0:
				return "", fmt.Errorf("old_string not found in %s", path)
			case count > 1 && !replaceAll:
				return "", fmt.Errorf("old_string found %d times in %s; add context to make it unique or set replace_all", count, path)
			}
			n := 1
			if replaceAll {
				n = -1
			}
			if err := ws.WriteFile(path, []byte(strings.Replace(content, oldString, newString, n))); err != nil {
				return "", err
			}
			if !replaceAll {
				count = 1
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path), nil
		},
	})
}

func registerDeleteFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "delete_file",
			Description: "Delete a file from the workspace.",
			Parameters: objectSchema([]string{"file_path"}, map[string]interface{}{
				"file_path": stringProp("Path to the file to delete."),
			}),
		},
		Category: CategoryEdits,
		PathArg:  "file_path",
		Executor: func(_ context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			path, err := requireString(args, "file_path")
			if err != nil {
				return "", err
			}
			_, exists, err := ws.ReadFile(path)
			if err != nil {
				return "", err
			}
			if !exists {
				return "", fmt.Errorf("file not found: %s", path)
			}
			if err := ws.RemoveFile(path); err != nil {
				return "", err
			}
			return "Deleted " + path, nil
		},
	})
}

// dangerousCommand matches shell commands that destroy data or reach
// outside the workspace in ways a checkpoint cannot undo.
var dangerousCommand = regexp.MustCompile(`(?i)(\brm\s+-[a-z]*[rf]|\bsudo\b|\bmkfs|\bdd\s+if=|\bchmod\s+-R|\bchown\s+-R|\bgit\s+(push|reset\s+--hard|clean\s+-[a-z]*f)|>\s*/dev/sd|\bshutdown\b|\breboot\b|curl[^|]*\|\s*(ba)?sh)`)

// ClassifyShellCommand escalates destructive commands to the dangerous
// category.
func ClassifyShellCommand(arguments json.RawMessage) ToolCategory {
	if dangerousCommand.MatchString(gjson.GetBytes(arguments, "command").String()) {
		return CategoryDangerous
	}
	return CategoryNone
}

func registerShell(reg *ToolRegistry, defaultTimeoutMs, maxTimeoutMs int) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "shell",
			Description: "Run a shell command in the workspace. Returns stdout, stderr and the exit code.",
			Parameters: objectSchema([]string{"command"}, map[string]interface{}{
				"command":     stringProp("The command to run."),
				"timeout_ms":  map[string]interface{}{"type": "integer", "description": "Override the default timeout."},
				"description": stringProp("What the command does, for the approval prompt."),
			}),
		},
		Category: CategoryTerminal,
		Classify: ClassifyShellCommand,
		Executor: func(ctx context.Context, arguments json.RawMessage, ws Workspace) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			command, err := requireString(args, "command")
			if err != nil {
				return "", err
			}
			timeoutMs, _ := GetIntArg(args, "timeout_ms")
			if timeoutMs <= 0 {
				timeoutMs = defaultTimeoutMs
			}
			if maxTimeoutMs > 0 && timeoutMs > maxTimeoutMs {
				timeoutMs = maxTimeoutMs
			}

			result, err := ws.ExecCommand(ctx, command, timeoutMs, "", nil)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %dms. Partial output is shown above.]", timeoutMs)
			} else if result.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return sb.String(), nil
		},
	})
}
