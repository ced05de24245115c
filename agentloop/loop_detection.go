package agentloop

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// toolCallSignature identifies a call by name and argument content.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := blake3.Sum256(arguments)
	return name + ":" + hex.EncodeToString(h[:8])
}

// recentToolCallSignatures returns up to count signatures from the newest
// assistant tool calls, oldest first.
func recentToolCallSignatures(messages []Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		a := messages[i].Assistant
		if a == nil {
			continue
		}
		for j := len(a.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := a.ToolCalls[j]
			sigs = append(sigs, toolCallSignature(tc.Name, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(messages []Message, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := recentToolCallSignatures(messages, windowSize)
	if len(sigs) < windowSize {
		return false
	}
	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		repeating := true
		for i := patternLen; i < windowSize && repeating; i++ {
			repeating = sigs[i] == sigs[i%patternLen]
		}
		if repeating {
			return true
		}
	}
	return false
}
