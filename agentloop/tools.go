package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

// ToolCategory drives the approval policy. The zero value means the tool
// never needs approval.
type ToolCategory string

const (
	CategoryNone      ToolCategory = ""
	CategoryEdits     ToolCategory = "edits"
	CategoryTerminal  ToolCategory = "terminal"
	CategoryDangerous ToolCategory = "dangerous"
)

// ToolExecutor runs a tool against the workspace. ctx is not cancelled by
// an abort once the tool has started.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage, ws Workspace) (string, error)

// ToolDefinition describes a tool for the LLM.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a definition with its executor and approval
// metadata.
type RegisteredTool struct {
	Definition ToolDefinition
	Category   ToolCategory

	// PathArg is the gjson path of the argument naming the file an edit
	// tool mutates. Edit tools with a PathArg are checkpointed.
	PathArg string

	// Classify may escalate the category based on the arguments.
	Classify func(arguments json.RawMessage) ToolCategory

	Executor ToolExecutor
}

// CategoryFor returns the effective category for one invocation.
func (t *RegisteredTool) CategoryFor(arguments json.RawMessage) ToolCategory {
	if t.Classify != nil {
		if c := t.Classify(arguments); c != CategoryNone {
			return c
		}
	}
	return t.Category
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*RegisteredTool)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns all tool definitions sorted by name, so requests are
// stable across turns.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, t.Definition)
		}
	}
	return defs
}

// UnifiedDefinitions converts the definitions for an LLM request.
func (r *ToolRegistry) UnifiedDefinitions() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

// ParseToolArguments unmarshals tool call arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// GetIntArg extracts an integer argument.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}
