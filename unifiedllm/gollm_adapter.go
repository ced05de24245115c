package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
//
// gollm exposes a single prompt per call, so multi-turn history is folded
// into one prompt and tool calls are recovered from the generated text.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider, "tools"); info != nil {
			model = info.ID
		} else {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no default model for provider %q", provider),
			}}
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are a caller policy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm LLM for provider %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Text arrives as deltas; tool calls are
// only known once the full text is available, so they are emitted as
// start/delta/end triples just before the finish event.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			if !send(StreamEvent{Type: StreamStart}) {
				return
			}
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			a.emitResponse(req, text, true, send)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil {
				continue
			}
			fullText.WriteString(token.Text)
			if !send(StreamEvent{Type: TextDelta, Delta: token.Text}) {
				return
			}
		}

		a.emitResponse(req, fullText.String(), false, send)
	}()

	return ch, nil
}

// emitResponse sends the tool call and finish events for a generated text.
// withText controls whether the cleaned text is also emitted as a delta.
func (a *GollmAdapter) emitResponse(req Request, text string, withText bool, send func(StreamEvent) bool) {
	resp := a.buildResponse(req, text)
	if withText {
		if t := resp.Text(); t != "" && !send(StreamEvent{Type: TextDelta, Delta: t}) {
			return
		}
	}
	for i, tc := range resp.ToolCallsFromResponse() {
		if !send(StreamEvent{Type: ToolCallStart, Index: i, ToolCall: &ToolCall{ID: tc.ID, Name: tc.Name}}) {
			return
		}
		if !send(StreamEvent{Type: ToolCallDelta, Index: i, Delta: string(tc.Arguments)}) {
			return
		}
		if !send(StreamEvent{Type: ToolCallEnd, Index: i}) {
			return
		}
	}
	send(StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
	})
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	case "named":
		return a.provider != "gemini"
	default:
		return false
	}
}

// translateRequest folds a unified Request into a single gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s] %s(%s)", tc.ID, tc.Name, tc.Arguments))
			}
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				prefix := "[Tool Result " + tr.ToolCallID + "]"
				if tr.IsError {
					prefix = "[Tool Error " + tr.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+tr.Content)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	toolCalls, cleaned := parseToolCalls(text)

	var content []ContentPart
	if cleaned != "" {
		content = append(content, TextPart(cleaned))
	}
	for i := range toolCalls {
		content = append(content, ContentPart{Kind: ContentToolCall, ToolCall: &toolCalls[i]})
	}
	if len(content) == 0 {
		content = []ContentPart{TextPart(text)}
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm doesn't expose usage; estimate from text length.
	input := estimateTokens(req)
	output := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: finishReason,
		Usage: Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}
}

// parseToolCalls extracts a trailing JSON tool-call array from text and
// returns the calls plus the text that preceded it. Both the bare
// [{"name":...}] form and the {"tool_calls":[...]} envelope are accepted.
func parseToolCalls(text string) ([]ToolCallData, string) {
	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var raw []rawCall
	start := strings.Index(text, `{"tool_calls"`)
	if start != -1 {
		var env struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(text[start:]), &env); err != nil {
			return nil, text
		}
		raw = env.ToolCalls
	} else {
		start = strings.Index(text, `[{"name"`)
		if start == -1 {
			return nil, text
		}
		if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
			return nil, text
		}
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls, strings.TrimSpace(text[:start])
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		return &ServerError{ProviderError: pe(500, true)}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: pe(0, false)}
	default:
		p := pe(0, true)
		return &p
	}
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				total += len(part.ToolResult.Content) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
