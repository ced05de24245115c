package agentloop

import (
	"fmt"
	"strings"

	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

// ProviderProfile holds what changes between model families: the base
// prompt, which project instruction files are read and the context window.
type ProviderProfile struct {
	Provider        string
	Model           string
	BasePrompt      string
	ContextWindow   int
	ProjectDocFiles []string
	ProviderOptions map[string]interface{}
}

// NewProviderProfile returns the profile for a provider and model. Unknown
// providers get the generic prompt and only AGENTS.md.
func NewProviderProfile(provider, model string) ProviderProfile {
	p := ProviderProfile{
		Provider:        provider,
		Model:           model,
		BasePrompt:      basePrompt,
		ContextWindow:   unifiedllm.ContextWindow(model),
		ProjectDocFiles: []string{"AGENTS.md"},
	}
	switch provider {
	case "anthropic":
		p.ProjectDocFiles = append(p.ProjectDocFiles, "CLAUDE.md")
	case "gemini":
		p.ProjectDocFiles = append(p.ProjectDocFiles, "GEMINI.md")
	case "openai":
		p.ProjectDocFiles = append(p.ProjectDocFiles, ".codex/instructions.md")
		p.BasePrompt += "\n\n" + openaiPromptAddendum
	}
	return p
}

// BuildSystemPrompt assembles the base prompt, environment block, tool
// list, project instructions and user instructions, in that order.
func (p ProviderProfile) BuildSystemPrompt(ws Workspace, reg *ToolRegistry, userInstructions string) string {
	var sb strings.Builder
	sb.WriteString(p.BasePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(BuildEnvironmentContext(ws, p.Model))
	sb.WriteString("\n\n")

	if reg != nil && reg.Count() > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, name := range reg.Names() {
			t := reg.Get(name)
			fmt.Fprintf(&sb, "## %s\n%s\n", name, t.Definition.Description)
			if t.Category != CategoryNone {
				fmt.Fprintf(&sb, "Requires approval (%s) unless auto-approved.\n", t.Category)
			}
			sb.WriteString("\n")
		}
	}

	if docs := DiscoverProjectDocs(ws.Root(), p.ProjectDocFiles); docs != "" {
		sb.WriteString("# Project Instructions\n\n")
		sb.WriteString(docs)
		sb.WriteString("\n\n")
	}
	if userInstructions != "" {
		sb.WriteString("# User Instructions\n\n")
		sb.WriteString(userInstructions)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

const basePrompt = `You are an autonomous coding agent working inside the user's workspace. You help with software engineering tasks by reading files, editing code, running commands, and iterating until the task is done.

# Core Principles

- Read files before editing them.
- Prefer editing existing files over creating new ones.
- Use edit_file for modifications. old_string must match the file exactly and be unique; add surrounding context when it is not.
- Keep changes minimal and focused on the request.
- After making changes, verify them by reading the file or running the relevant tests.

# Approvals and Checkpoints

- Edits and shell commands may need the user's approval. If a call is rejected, do not retry it unchanged; ask or take another approach.
- Every edit is checkpointed and can be rolled back by the user.
- A call reported as interrupted was stopped by the user. Do not repeat it unless asked.

# Error Handling

- If a tool call fails, read the error and try a different approach.
- If edit_file cannot find old_string, re-read the file to get the current content.
- If arguments could not be parsed, resend the call with valid JSON arguments.`

const openaiPromptAddendum = `# Output

- Keep intermediate messages short; explain what you changed at the end.`
