package agentloop

import (
	"fmt"
	"strings"
)

// Render formats the document as the opening message of a new thread.
func (d HandoffDocument) Render() string {
	s := Summary{
		Objective:      d.Objective,
		CompletedSteps: d.CompletedSteps,
		PendingSteps:   d.PendingSteps,
		FileChanges:    d.FileChanges,
	}
	var sb strings.Builder
	sb.WriteString(s.Render("Handoff from a previous conversation"))
	fmt.Fprintf(&sb, "\n\nThe previous conversation (%s) ran out of context. Continue the work from the pending steps.", d.ThreadID)
	return sb.String()
}

func (d HandoffDocument) clone() *HandoffDocument {
	out := d
	out.CompletedSteps = append([]string(nil), d.CompletedSteps...)
	out.PendingSteps = append([]string(nil), d.PendingSteps...)
	out.FileChanges = append([]string(nil), d.FileChanges...)
	return &out
}

// seedThread creates the thread that continues a handed-off one. The
// document becomes its first user message, so it survives persistence and
// is subject to compression like any other turn.
func seedThread(d HandoffDocument) *ChatThread {
	t := NewChatThread("")
	t.append(NewUserMessage(UserContent{Text: d.Render()}))
	t.append(NewAssistantMessage(AssistantContent{
		Notice: fmt.Sprintf("Continuing from thread %s after a context handoff.", d.ThreadID),
	}))
	return t
}
