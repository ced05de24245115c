package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const defaultToolCharLimit = 30000

// Default character limits per tool.
var DefaultToolCharLimits = map[string]int{
	"read_file":   50000,
	"shell":       30000,
	"grep":        20000,
	"glob":        20000,
	"list_dir":    20000,
	"edit_file":   10000,
	"write_file":  1000,
	"delete_file": 1000,
}

// Default truncation modes per tool.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file": TruncateHeadTail,
	"shell":     TruncateHeadTail,
	"grep":      TruncateTail,
	"glob":      TruncateTail,
	"list_dir":  TruncateTail,
}

// Default line limits per tool, applied after character truncation.
var DefaultToolLineLimits = map[string]int{
	"shell":    256,
	"grep":     200,
	"glob":     500,
	"list_dir": 500,
}

// TruncationLimits overrides the per-tool defaults.
type TruncationLimits struct {
	Chars map[string]int `yaml:"chars,omitempty"`
	Lines map[string]int `yaml:"lines,omitempty"`
}

// TruncateOutput shortens output to maxChars. Head/tail mode keeps both ends
// and drops the middle; tail mode keeps the end.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"Re-run the tool with more targeted parameters to see specific parts.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output up to maxLines.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount
	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character then line truncation for one tool.
func TruncateToolOutput(output, toolName string, limits TruncationLimits) string {
	maxChars, ok := limits.Chars[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = defaultToolCharLimit
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := limits.Lines[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
