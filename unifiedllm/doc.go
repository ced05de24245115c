// Package unifiedllm provides a provider-agnostic LLM client used by the
// agent loop. Adapters translate between the unified types and a concrete
// backend.
//
// # Adapters
//
// OpenAIAdapter speaks the OpenAI chat completions protocol through
// openai-go and streams text and tool-call argument fragments as they
// arrive. GollmAdapter wraps github.com/teilomillet/gollm for the other
// providers gollm supports; it streams text and recovers tool calls from
// the generated output at the end of the stream.
//
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", unifiedllm.NewOpenAIAdapter(key, "")),
//	    unifiedllm.WithStreamMiddleware(unifiedllm.RetryStreamMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//	events, err := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "gpt-5.2",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// # Stream events
//
// A stream is a channel of StreamEvent values ending with exactly one
// StreamFinish or StreamError, after which the channel is closed. Tool
// calls are reported as ToolCallStart, any number of ToolCallDelta
// fragments, and ToolCallEnd, all sharing an Index.
//
// # Errors
//
// Provider failures are mapped into typed errors (RateLimitError,
// AuthenticationError, ...) and classified by IsRetryable. Retrying is a
// caller policy: install RetryStreamMiddleware or RetryMiddleware on the
// Client, or call Retry directly.
package unifiedllm
