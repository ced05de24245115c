package agentloop

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

// Summary condenses a stretch of conversation.
type Summary struct {
	Objective      string   `json:"objective"`
	CompletedSteps []string `json:"completed_steps"`
	PendingSteps   []string `json:"pending_steps"`
	FileChanges    []string `json:"file_changes"`
}

// Render formats the summary as a text block under title.
func (s Summary) Render(title string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]\nObjective: %s\n", title, s.Objective)
	writeList(&sb, "Completed steps", s.CompletedSteps)
	writeList(&sb, "Pending steps", s.PendingSteps)
	writeList(&sb, "Files changed", s.FileChanges)
	return strings.TrimRight(sb.String(), "\n")
}

func writeList(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", heading)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

// Summarizer produces a Summary for deep compression and handoff.
type Summarizer interface {
	Summarize(ctx context.Context, messages []unifiedllm.Message) (Summary, error)
}

// ExtractiveSummarizer builds a summary from the conversation structure
// alone: the first user request is the objective, successful tool calls are
// the completed steps and edit tool paths are the file changes.
type ExtractiveSummarizer struct {
	EditTools    map[string]bool
	PathArg      string
	MaxObjective int
	MaxSteps     int
}

// NewExtractiveSummarizer returns a summarizer that knows the core edit
// tools.
func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{
		EditTools:    map[string]bool{"write_file": true, "edit_file": true, "delete_file": true},
		PathArg:      "file_path",
		MaxObjective: 1000,
		MaxSteps:     30,
	}
}

func (s *ExtractiveSummarizer) Summarize(_ context.Context, messages []unifiedllm.Message) (Summary, error) {
	var sum Summary
	calls := make(map[string]unifiedllm.ToolCallData)
	files := make(map[string]bool)
	lastUser := ""
	lastAssistant := ""

	for _, m := range messages {
		switch m.Role {
		case unifiedllm.RoleUser:
			lastUser = m.TextContent()
			if sum.Objective == "" {
				sum.Objective = truncateRunes(lastUser, s.MaxObjective)
			}
		case unifiedllm.RoleAssistant:
			if t := m.TextContent(); t != "" {
				lastAssistant = t
			}
			for _, tc := range m.ToolCalls() {
				calls[tc.ID] = tc
			}
		case unifiedllm.RoleTool:
			tr := m.ToolResult()
			if tr == nil || tr.IsError {
				continue
			}
			tc, ok := calls[tr.ToolCallID]
			if !ok {
				continue
			}
			path := gjson.GetBytes(tc.Arguments, s.PathArg).String()
			step := tc.Name
			if path != "" {
				step += " " + path
			}
			sum.CompletedSteps = append(sum.CompletedSteps, step)
			if s.EditTools[tc.Name] && path != "" {
				files[path] = true
			}
		}
	}

	if len(sum.CompletedSteps) > s.MaxSteps {
		dropped := len(sum.CompletedSteps) - s.MaxSteps
		sum.CompletedSteps = append([]string{fmt.Sprintf("(%d earlier steps)", dropped)}, sum.CompletedSteps[dropped:]...)
	}
	for f := range files {
		sum.FileChanges = append(sum.FileChanges, f)
	}
	sort.Strings(sum.FileChanges)

	sum.PendingSteps = listItems(lastAssistant)
	if len(sum.PendingSteps) == 0 && lastUser != "" && lastUser != sum.Objective {
		sum.PendingSteps = []string{"Continue with: " + truncateRunes(lastUser, s.MaxObjective)}
	}
	return sum, nil
}

// listItems extracts markdown list entries from text.
func listItems(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			items = append(items, strings.TrimSpace(line[2:]))
		case len(line) > 2 && line[0] >= '0' && line[0] <= '9':
			if _, rest, ok := strings.Cut(line, ". "); ok {
				items = append(items, strings.TrimSpace(rest))
			}
		}
	}
	return items
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var summarySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"objective":       map[string]interface{}{"type": "string"},
		"completed_steps": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"pending_steps":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"file_changes":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []string{"objective", "completed_steps", "pending_steps", "file_changes"},
}

// LLMSummarizer asks a model for the summary. On failure it falls back to
// the extractive summary so compression never blocks on the network.
type LLMSummarizer struct {
	Client   *unifiedllm.Client
	Model    string
	Provider string
	Fallback Summarizer
}

func (s *LLMSummarizer) Summarize(ctx context.Context, messages []unifiedllm.Message) (Summary, error) {
	fallback := s.Fallback
	if fallback == nil {
		fallback = NewExtractiveSummarizer()
	}
	result, err := unifiedllm.GenerateObject(ctx, unifiedllm.GenerateOptions{
		Client:   s.Client,
		Model:    s.Model,
		Provider: s.Provider,
		System: "You compress coding-assistant conversations. Summarize the transcript: " +
			"the user's objective, steps already completed, steps still pending and files changed.",
		Prompt: renderTranscript(messages),
	}, summarySchema)
	if err != nil {
		return fallback.Summarize(ctx, messages)
	}
	var sum Summary
	if err := unifiedllm.DecodeObject(result.Text, &sum); err != nil || sum.Objective == "" {
		return fallback.Summarize(ctx, messages)
	}
	return sum, nil
}

func renderTranscript(messages []unifiedllm.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		for _, p := range m.Content {
			switch p.Kind {
			case unifiedllm.ContentText:
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, p.Text)
			case unifiedllm.ContentToolCall:
				fmt.Fprintf(&sb, "%s called %s %s\n", m.Role, p.ToolCall.Name, p.ToolCall.Arguments)
			case unifiedllm.ContentToolResult:
				fmt.Fprintf(&sb, "tool result: %s\n", truncateRunes(p.ToolResult.Content, 500))
			}
		}
	}
	return sb.String()
}
