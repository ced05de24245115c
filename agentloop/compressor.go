package agentloop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

// CompressionLevel classifies how aggressively history is being shrunk.
type CompressionLevel int

const (
	LevelFull CompressionLevel = iota
	LevelTruncate
	LevelSlidingWindow
	LevelDeep
	LevelHandoff
)

func (l CompressionLevel) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelTruncate:
		return "truncate"
	case LevelSlidingWindow:
		return "sliding_window"
	case LevelDeep:
		return "deep"
	case LevelHandoff:
		return "handoff"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// CompressionStats reports the compressor's view of the context budget.
// Level is the reported level, which never decreases until Reset.
type CompressionStats struct {
	Level          CompressionLevel `json:"level" cbor:"level"`
	Ratio          float64          `json:"ratio" cbor:"ratio"`
	InputTokens    int              `json:"input_tokens" cbor:"input_tokens"`
	ContextLimit   int              `json:"context_limit" cbor:"context_limit"`
	SavedPercent   float64          `json:"saved_percent" cbor:"saved_percent"`
	KeptTurns      int              `json:"kept_turns" cbor:"kept_turns"`
	CompactedTurns int              `json:"compacted_turns" cbor:"compacted_turns"`
}

// CompressorConfig holds the thresholds and window sizes.
type CompressorConfig struct {
	ContextLimit int `yaml:"context_limit"`

	TruncateThreshold float64 `yaml:"truncate_threshold"`
	WindowThreshold   float64 `yaml:"window_threshold"`
	DeepThreshold     float64 `yaml:"deep_threshold"`

	// WindowTurns is how many recent turns keep full tool output at
	// the sliding-window level.
	WindowTurns int `yaml:"window_turns"`

	// DeepKeepTurns is how many recent turns stay verbatim at the deep
	// level.
	DeepKeepTurns int `yaml:"deep_keep_turns"`

	// TruncateChars bounds old tool output at the truncate level.
	TruncateChars int `yaml:"truncate_chars"`
}

// DefaultCompressorConfig returns the default thresholds for a context
// window of contextLimit tokens.
func DefaultCompressorConfig(contextLimit int) CompressorConfig {
	if contextLimit <= 0 {
		contextLimit = unifiedllm.DefaultContextWindow
	}
	return CompressorConfig{
		ContextLimit:      contextLimit,
		TruncateThreshold: 0.5,
		WindowThreshold:   0.7,
		DeepThreshold:     0.85,
		WindowTurns:       4,
		DeepKeepTurns:     2,
		TruncateChars:     2000,
	}
}

func (c CompressorConfig) withDefaults() CompressorConfig {
	d := DefaultCompressorConfig(c.ContextLimit)
	if c.TruncateThreshold > 0 {
		d.TruncateThreshold = c.TruncateThreshold
	}
	if c.WindowThreshold > 0 {
		d.WindowThreshold = c.WindowThreshold
	}
	if c.DeepThreshold > 0 {
		d.DeepThreshold = c.DeepThreshold
	}
	if c.WindowTurns > 0 {
		d.WindowTurns = c.WindowTurns
	}
	if c.DeepKeepTurns > 0 {
		d.DeepKeepTurns = c.DeepKeepTurns
	}
	if c.TruncateChars > 0 {
		d.TruncateChars = c.TruncateChars
	}
	return d
}

// classify maps a usage ratio to a level below handoff. Handoff needs the
// post-compression ratio and is decided by Compress.
func (c CompressorConfig) classify(ratio float64) CompressionLevel {
	switch {
	case ratio >= c.DeepThreshold:
		return LevelDeep
	case ratio >= c.WindowThreshold:
		return LevelSlidingWindow
	case ratio >= c.TruncateThreshold:
		return LevelTruncate
	}
	return LevelFull
}

// HandoffDocument seeds a fresh thread once the old one cannot fit the
// context window any more.
type HandoffDocument struct {
	ThreadID       string    `json:"thread_id" cbor:"thread_id"`
	Objective      string    `json:"objective" cbor:"objective"`
	CompletedSteps []string  `json:"completed_steps,omitempty" cbor:"completed_steps,omitempty"`
	PendingSteps   []string  `json:"pending_steps,omitempty" cbor:"pending_steps,omitempty"`
	FileChanges    []string  `json:"file_changes,omitempty" cbor:"file_changes,omitempty"`
	CreatedAt      time.Time `json:"created_at" cbor:"created_at"`
}

// CompressionResult is the outbound history to send plus the stats. When
// Handoff is set the caller must stop sending on this thread.
type CompressionResult struct {
	Messages []unifiedllm.Message
	Stats    CompressionStats
	Handoff  *HandoffDocument
}

// ContextCompressor shrinks the outbound history as it approaches the
// context limit. It never touches the thread itself: compression applies
// to the request view only.
type ContextCompressor struct {
	cfg        CompressorConfig
	counter    TokenCounter
	summarizer Summarizer
	logger     *slog.Logger

	mu       sync.Mutex
	reported CompressionLevel
	lastSent []unifiedllm.Message
}

// CompressorOption configures a ContextCompressor.
type CompressorOption func(*ContextCompressor)

// WithTokenCounter replaces the default character estimator.
func WithTokenCounter(tc TokenCounter) CompressorOption {
	return func(c *ContextCompressor) {
		if tc != nil {
			c.counter = tc
		}
	}
}

// WithSummarizer replaces the default extractive summarizer.
func WithSummarizer(s Summarizer) CompressorOption {
	return func(c *ContextCompressor) {
		if s != nil {
			c.summarizer = s
		}
	}
}

// WithCompressorLogger sets the logger.
func WithCompressorLogger(l *slog.Logger) CompressorOption {
	return func(c *ContextCompressor) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewContextCompressor creates a compressor. Zero fields in cfg take their
// defaults.
func NewContextCompressor(cfg CompressorConfig, opts ...CompressorOption) *ContextCompressor {
	c := &ContextCompressor{
		cfg:        cfg.withDefaults(),
		counter:    NewCharEstimator(),
		summarizer: NewExtractiveSummarizer(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *ContextCompressor) Config() CompressorConfig { return c.cfg }

// Level returns the reported level.
func (c *ContextCompressor) Level() CompressionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reported
}

// Reset clears the reported level. Use it for an explicit user reset or a
// fresh thread.
func (c *ContextCompressor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reported = LevelFull
	c.lastSent = nil
}

func (c *ContextCompressor) report(level CompressionLevel) CompressionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level > c.reported {
		c.reported = level
	}
	return c.reported
}

// RecordUsage feeds the provider's input token count back into a
// calibrating counter, paired with the last history Compress returned.
func (c *ContextCompressor) RecordUsage(usage unifiedllm.Usage) {
	c.mu.Lock()
	sent := c.lastSent
	c.mu.Unlock()
	if rec, ok := c.counter.(UsageRecorder); ok && sent != nil {
		rec.RecordUsage(sent, usage.InputTokens)
	}
}

// Compress evaluates the history and returns the view to send. Levels are
// cumulative: the sliding window also truncates, and the deep level also
// windows what it keeps. If the deep level still does not fit, the result
// carries a handoff document instead.
func (c *ContextCompressor) Compress(ctx context.Context, threadID string, history []unifiedllm.Message) (CompressionResult, error) {
	limit := float64(c.cfg.ContextLimit)
	raw := c.counter.CountTokens(history)
	level := c.cfg.classify(float64(raw) / limit)

	groups := identifyTurnGroups(history)
	out := history
	compacted := 0

	if level >= LevelTruncate {
		out = c.truncateOldOutput(out, groups)
	}
	if level >= LevelSlidingWindow {
		var n int
		out, n = c.slideWindow(out, groups)
		compacted = max(compacted, n)
	}
	if level >= LevelDeep {
		var (
			n   int
			err error
		)
		out, n, err = c.deepCompress(ctx, out, groups)
		if err != nil {
			return CompressionResult{}, err
		}
		compacted = max(compacted, n)
	}

	tokens := c.counter.CountTokens(out)
	result := CompressionResult{Messages: out}
	if level >= LevelDeep && float64(tokens)/limit >= 1.0 {
		level = LevelHandoff
		doc, err := c.handoff(ctx, threadID, history)
		if err != nil {
			return CompressionResult{}, err
		}
		result.Handoff = doc
	}

	saved := 0.0
	if raw > 0 && tokens < raw {
		saved = float64(raw-tokens) / float64(raw) * 100
	}
	result.Stats = CompressionStats{
		Level:          c.report(level),
		Ratio:          clampRatio(float64(tokens) / limit),
		InputTokens:    tokens,
		ContextLimit:   c.cfg.ContextLimit,
		SavedPercent:   saved,
		KeptTurns:      len(groups) - compacted,
		CompactedTurns: compacted,
	}

	c.mu.Lock()
	c.lastSent = out
	c.mu.Unlock()

	if level > LevelFull {
		c.logger.Debug("history compressed",
			"thread", threadID,
			"level", level.String(),
			"raw_tokens", raw,
			"tokens", tokens,
			"compacted_turns", compacted)
	}
	return result, nil
}

// truncateOldOutput shortens tool output in every turn except the latest.
func (c *ContextCompressor) truncateOldOutput(messages []unifiedllm.Message, groups []turnGroup) []unifiedllm.Message {
	if len(groups) < 2 {
		return messages
	}
	cut := groups[len(groups)-1].start
	return rewriteToolResults(messages, cut, func(content string) string {
		return TruncateOutput(content, c.cfg.TruncateChars, TruncateHeadTail)
	})
}

const omittedOutputMarker = "[tool output omitted to save context]"

// slideWindow drops tool output bodies older than the last WindowTurns
// turns, keeping all user and assistant text.
func (c *ContextCompressor) slideWindow(messages []unifiedllm.Message, groups []turnGroup) ([]unifiedllm.Message, int) {
	if len(groups) <= c.cfg.WindowTurns {
		return messages, 0
	}
	old := len(groups) - c.cfg.WindowTurns
	cut := groups[old].start
	return rewriteToolResults(messages, cut, func(string) string { return omittedOutputMarker }), old
}

// deepCompress replaces every turn before the last DeepKeepTurns with a
// summary. The summary is folded into the first kept user message, or sent
// as a user message of its own when the kept turns are all round-trips of
// one long run.
func (c *ContextCompressor) deepCompress(ctx context.Context, messages []unifiedllm.Message, groups []turnGroup) ([]unifiedllm.Message, int, error) {
	if len(groups) <= c.cfg.DeepKeepTurns {
		return messages, 0, nil
	}
	old := len(groups) - c.cfg.DeepKeepTurns
	cut := groups[old].start
	summary, err := c.summarizer.Summarize(ctx, messages[:cut])
	if err != nil {
		return nil, 0, fmt.Errorf("summarize history: %w", err)
	}

	kept := cloneMessages(messages[cut:])
	preamble := summary.Render("Summary of the earlier conversation")
	if kept[0].Role != unifiedllm.RoleUser {
		return append([]unifiedllm.Message{unifiedllm.UserMessage(preamble)}, kept...), old, nil
	}
	kept[0].Content = []unifiedllm.ContentPart{unifiedllm.TextPart(preamble + "\n\n" + kept[0].TextContent())}
	return kept, old, nil
}

func (c *ContextCompressor) handoff(ctx context.Context, threadID string, history []unifiedllm.Message) (*HandoffDocument, error) {
	summary, err := c.summarizer.Summarize(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("summarize for handoff: %w", err)
	}
	c.logger.Info("context budget exhausted, handoff required", "thread", threadID)
	return &HandoffDocument{
		ThreadID:       threadID,
		Objective:      summary.Objective,
		CompletedSteps: summary.CompletedSteps,
		PendingSteps:   summary.PendingSteps,
		FileChanges:    summary.FileChanges,
		CreatedAt:      time.Now(),
	}, nil
}

// turnGroup is a half-open message range: a user message with the first
// model round-trip that answers it, or a later round-trip of the same run
// (one assistant message and its tool results).
type turnGroup struct {
	start int
	end   int
}

// identifyTurnGroups splits history at each user message and at every
// assistant message after the first one that follows a user message, so a
// long tool-driven run yields one group per round-trip. Leading messages
// before the first user message join the first group.
func identifyTurnGroups(messages []unifiedllm.Message) []turnGroup {
	var groups []turnGroup
	start := -1
	answered := false
	for i, m := range messages {
		switch m.Role {
		case unifiedllm.RoleUser:
			if start < 0 {
				start = 0
			} else {
				groups = append(groups, turnGroup{start: start, end: i})
				start = i
			}
			answered = false
		case unifiedllm.RoleAssistant:
			if start < 0 {
				continue
			}
			if answered {
				groups = append(groups, turnGroup{start: start, end: i})
				start = i
			}
			answered = true
		}
	}
	if start >= 0 {
		groups = append(groups, turnGroup{start: start, end: len(messages)})
	}
	return groups
}

func rewriteToolResults(messages []unifiedllm.Message, before int, fn func(string) string) []unifiedllm.Message {
	out := cloneMessages(messages)
	for i := 0; i < before && i < len(out); i++ {
		for j, p := range out[i].Content {
			if p.Kind != unifiedllm.ContentToolResult || p.ToolResult == nil {
				continue
			}
			tr := *p.ToolResult
			tr.Content = fn(tr.Content)
			out[i].Content[j].ToolResult = &tr
		}
	}
	return out
}

func cloneMessages(messages []unifiedllm.Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		out[i].Content = append([]unifiedllm.ContentPart(nil), m.Content...)
	}
	return out
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
