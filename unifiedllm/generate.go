package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
)

// GenerateOptions configures a high-level Generate call.
type GenerateOptions struct {
	Model           string
	Prompt          string    // simple text prompt (mutually exclusive with Messages)
	Messages        []Message // full conversation (mutually exclusive with Prompt)
	System          string
	ResponseFormat  *ResponseFormat
	Temperature     *float64
	MaxTokens       *int
	Provider        string
	ProviderOptions map[string]interface{}
	MaxRetries      int // default 2
	Client          *Client
}

// GenerateResult is the output of Generate and GenerateObject.
type GenerateResult struct {
	Text         string
	FinishReason FinishReason
	Usage        Usage
	Response     Response
	Output       interface{} // parsed object, GenerateObject only
}

// Generate is the high-level blocking generation function. It wraps
// Client.Complete with retries and prompt standardization. Tools are not
// executed here; the agent loop owns tool execution.
func Generate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Prompt != "" && len(opts.Messages) > 0 {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "cannot specify both prompt and messages",
		}}
	}
	if opts.Client == nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "no client configured"}}
	}

	retryPolicy := DefaultRetryPolicy()
	if opts.MaxRetries > 0 {
		retryPolicy.MaxRetries = opts.MaxRetries
	}

	messages := opts.Messages
	if opts.Prompt != "" {
		messages = []Message{UserMessage(opts.Prompt)}
	}
	if opts.System != "" {
		messages = append([]Message{SystemMessage(opts.System)}, messages...)
	}

	req := Request{
		Model:           opts.Model,
		Messages:        messages,
		Provider:        opts.Provider,
		ResponseFormat:  opts.ResponseFormat,
		Temperature:     opts.Temperature,
		MaxTokens:       opts.MaxTokens,
		ProviderOptions: opts.ProviderOptions,
	}

	resp, err := Retry(ctx, retryPolicy, func(ctx context.Context) (*Response, error) {
		return opts.Client.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		Text:         resp.Text(),
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Response:     *resp,
	}, nil
}

// GenerateObject generates structured output and decodes it. The schema is
// both sent as a response format and spelled out in the system prompt for
// providers without native structured output.
func GenerateObject(ctx context.Context, opts GenerateOptions, schema map[string]interface{}) (*GenerateResult, error) {
	opts.ResponseFormat = &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: schema,
		Strict:     true,
	}

	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	schemaInstruction := fmt.Sprintf(
		"\nYou must respond with valid JSON matching this schema:\n```json\n%s\n```\nRespond ONLY with the JSON object, no other text.",
		string(schemaJSON),
	)
	if opts.System != "" {
		opts.System += schemaInstruction
	} else {
		opts.System = schemaInstruction
	}

	result, err := Generate(ctx, opts)
	if err != nil {
		return nil, err
	}

	var output interface{}
	if err := DecodeObject(result.Text, &output); err != nil {
		return nil, &NoObjectGeneratedError{SDKError: SDKError{
			Message: fmt.Sprintf("failed to parse structured output: %v", err),
			Cause:   err,
		}}
	}
	result.Output = output
	return result, nil
}

// DecodeObject decodes model-produced JSON into v. Markdown code fences are
// stripped, and comments or trailing commas are tolerated.
func DecodeObject(text string, v interface{}) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if nl := strings.IndexByte(text, '\n'); nl != -1 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	return json.Unmarshal(jsonc.ToJSON([]byte(text)), v)
}
