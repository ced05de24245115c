package unifiedllm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                  string   `json:"id"`
	Provider            string   `json:"provider"`
	DisplayName         string   `json:"display_name"`
	ContextWindow       int      `json:"context_window"`
	MaxOutput           *int     `json:"max_output,omitempty"`
	SupportsTools       bool     `json:"supports_tools"`
	SupportsVision      bool     `json:"supports_vision"`
	SupportsReasoning   bool     `json:"supports_reasoning"`
	Aliases             []string `json:"aliases,omitempty"`
}

func intPtr(v int) *int { return &v }

// DefaultContextWindow is assumed for models missing from the catalog.
const DefaultContextWindow = 128000

// Models is the built-in model catalog. Context windows drive the agent
// loop's compression budget.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},

	// OpenAI
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gpt-5.2-codex", Provider: "openai", DisplayName: "GPT-5.2 Codex",
		ContextWindow: 1047576, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"codex"},
	},

	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128000, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsVision: true,
	},

	// Gemini
	{
		ID: "gemini-3-pro-preview", Provider: "gemini", DisplayName: "Gemini 3 Pro (Preview)",
		ContextWindow: 1048576, MaxOutput: intPtr(65536),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"gemini-pro", "gemini-3-pro"},
	},
	{
		ID: "gemini-3-flash-preview", Provider: "gemini", DisplayName: "Gemini 3 Flash (Preview)",
		ContextWindow: 1048576, MaxOutput: intPtr(65536),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		Aliases: []string{"gemini-flash", "gemini-3-flash"},
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ContextWindow returns the context window for modelID, falling back to
// DefaultContextWindow when the model is unknown.
func ContextWindow(modelID string) int {
	if info := GetModelInfo(modelID); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the first (newest/best) model for a provider,
// optionally filtered by capability.
func GetLatestModel(provider string, capability string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider != provider {
			continue
		}
		switch capability {
		case "":
			return &Models[i]
		case "vision":
			if Models[i].SupportsVision {
				return &Models[i]
			}
		case "tools":
			if Models[i].SupportsTools {
				return &Models[i]
			}
		case "reasoning":
			if Models[i].SupportsReasoning {
				return &Models[i]
			}
		}
	}
	return nil
}
