package agentloop

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

// TokenCounter estimates the prompt size of a message list. Estimates only
// need to grow with the conversation; exact counts are not required.
type TokenCounter interface {
	CountTokens(messages []unifiedllm.Message) int
}

// UsageRecorder is implemented by counters that calibrate themselves from
// the provider's reported input tokens.
type UsageRecorder interface {
	RecordUsage(messages []unifiedllm.Message, actualInputTokens int)
}

const (
	defaultCharactersPerToken = 4.0
	defaultSmoothingFactor    = 0.3

	// Per-message framing overhead, roughly {"role":"user","content":[...]}.
	messageOverheadChars = 20
)

// CharEstimator converts characters to tokens with a ratio that adapts to
// provider usage reports by exponential moving average. The first report
// replaces the default ratio outright.
type CharEstimator struct {
	mu                 sync.Mutex
	charactersPerToken float64
	smoothingFactor    float64
	observations       int
}

// NewCharEstimator starts at four characters per token.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{
		charactersPerToken: defaultCharactersPerToken,
		smoothingFactor:    defaultSmoothingFactor,
	}
}

// CountTokens rounds up so the estimate errs on the large side.
func (e *CharEstimator) CountTokens(messages []unifiedllm.Message) int {
	e.mu.Lock()
	ratio := e.charactersPerToken
	e.mu.Unlock()
	return int(float64(messagesCharCount(messages))/ratio) + 1
}

// RecordUsage calibrates the ratio against an actual token count.
func (e *CharEstimator) RecordUsage(messages []unifiedllm.Message, actualInputTokens int) {
	if actualInputTokens <= 0 {
		return
	}
	chars := messagesCharCount(messages)
	if chars == 0 {
		return
	}
	observed := float64(chars) / float64(actualInputTokens)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observations++
	if e.observations == 1 {
		e.charactersPerToken = observed
		return
	}
	e.charactersPerToken = e.smoothingFactor*observed + (1-e.smoothingFactor)*e.charactersPerToken
}

// Ratio returns the current characters-per-token ratio.
func (e *CharEstimator) Ratio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.charactersPerToken
}

func messageCharCount(m unifiedllm.Message) int {
	n := messageOverheadChars
	for _, p := range m.Content {
		switch p.Kind {
		case unifiedllm.ContentText:
			n += len(p.Text)
		case unifiedllm.ContentToolCall:
			if p.ToolCall != nil {
				n += len(p.ToolCall.Name) + len(p.ToolCall.Arguments)
			}
		case unifiedllm.ContentToolResult:
			if p.ToolResult != nil {
				n += len(p.ToolResult.Content) + len(p.ToolResult.ToolCallID)
			}
		}
	}
	return n
}

func messagesCharCount(messages []unifiedllm.Message) int {
	total := 0
	for _, m := range messages {
		total += messageCharCount(m)
	}
	return total
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base". Loading
// may fetch the vocabulary on first use.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

// CountTokens encodes every text, argument and result body.
func (c *TiktokenCounter) CountTokens(messages []unifiedllm.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, m := range messages {
		total += 4
		for _, p := range m.Content {
			switch p.Kind {
			case unifiedllm.ContentText:
				total += len(c.enc.Encode(p.Text, nil, nil))
			case unifiedllm.ContentToolCall:
				if p.ToolCall != nil {
					total += len(c.enc.Encode(p.ToolCall.Name, nil, nil))
					total += len(c.enc.Encode(string(p.ToolCall.Arguments), nil, nil))
				}
			case unifiedllm.ContentToolResult:
				if p.ToolResult != nil {
					total += len(c.enc.Encode(p.ToolResult.Content, nil, nil))
				}
			}
		}
	}
	return total
}
