package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint
// and streams text and tool-call argument fragments as they arrive.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// NewOpenAIAdapter creates an adapter. An empty baseURL uses the SDK default.
func NewOpenAIAdapter(apiKey, baseURL string, opts ...option.RequestOption) *OpenAIAdapter {
	var options []option.RequestOption
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	options = append(options, option.WithMaxRetries(0))
	options = append(options, opts...)

	model := "gpt-5.2"
	if info := GetLatestModel("openai", "tools"); info != nil {
		model = info.ID
	}
	return &OpenAIAdapter{client: openai.NewClient(options...), model: model}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Complete sends a blocking chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	completion, err := a.client.Chat.Completions.New(ctx, a.buildParams(req, false))
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &NoObjectGeneratedError{SDKError: SDKError{Message: "completion has no choices"}}
	}

	choice := completion.Choices[0]
	var content []ContentPart
	if choice.Message.Content != "" {
		content = append(content, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	return &Response{
		ID:           completion.ID,
		Model:        completion.Model,
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}

// Stream opens a streaming chat completion. Tool call fragments are keyed by
// the index the server assigns; every started call gets a ToolCallEnd before
// the finish event.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req, true))

	ch := make(chan StreamEvent, 64)
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		started := make(map[int]bool)
		finish := FinishReason{Reason: "stop"}
		var usage *Usage

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = &Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				if !send(StreamEvent{Type: StreamPing}) {
					return
				}
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !send(StreamEvent{Type: TextDelta, Delta: choice.Delta.Content}) {
					return
				}
			}
			if reasoning, ok := choice.Delta.JSON.ExtraFields["reasoning"]; ok {
				var text string
				if json.Unmarshal([]byte(reasoning.Raw()), &text) == nil && text != "" {
					if !send(StreamEvent{Type: ReasoningDelta, Delta: text}) {
						return
					}
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				if !started[idx] {
					started[idx] = true
					id := tc.ID
					if id == "" {
						id = "call_" + uuid.New().String()[:8]
					}
					if !send(StreamEvent{Type: ToolCallStart, Index: idx, ToolCall: &ToolCall{ID: id, Name: tc.Function.Name}}) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					if !send(StreamEvent{Type: ToolCallDelta, Index: idx, Delta: tc.Function.Arguments}) {
						return
					}
				}
			}
			if choice.FinishReason != "" {
				finish = mapFinishReason(choice.FinishReason)
			}
		}

		if err := stream.Err(); err != nil {
			send(StreamEvent{Type: StreamError, Error: translateOpenAIError(err)})
			return
		}

		indices := make([]int, 0, len(started))
		for idx := range started {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			if !send(StreamEvent{Type: ToolCallEnd, Index: idx}) {
				return
			}
		}
		send(StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: usage})
	}()

	return ch, nil
}

func (a *OpenAIAdapter) buildParams(req Request, streaming bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{}
	params.Model = req.Model
	if params.Model == "" {
		params.Model = a.model
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if streaming {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(msg.TextContent()))
		case RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(msg.TextContent()))
		case RoleAssistant:
			m := openai.AssistantMessage(msg.TextContent())
			for _, tc := range msg.ToolCalls() {
				m.OfAssistant.ToolCalls = append(m.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					},
				})
			}
			params.Messages = append(params.Messages, m)
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				params.Messages = append(params.Messages, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		}
	}

	for _, t := range req.ToolDefs {
		params.Tools = append(params.Tools, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.Parameters),
				},
			},
		})
	}
	return params
}

func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "stop", "length", "tool_calls", "content_filter":
		return FinishReason{Reason: raw, Raw: raw}
	case "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// translateOpenAIError maps SDK errors into the unified hierarchy.
func translateOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.StatusCode, apiErr.Message, "openai", apiErr.Code, err, nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: "openai transport", Cause: err}}
}
