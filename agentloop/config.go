package agentloop

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything an AgentLoop needs besides its collaborators.
type Config struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	ReasoningEffort string `yaml:"reasoning_effort,omitempty"`

	MaxLoops     int `yaml:"max_loops"`
	HistoryLimit int `yaml:"history_limit"`

	ActivityTimeout  time.Duration `yaml:"activity_timeout"`
	MaxArgumentBytes int           `yaml:"max_argument_bytes"`
	MaxParseAttempts int           `yaml:"max_parse_attempts"`

	MaxCheckpoints   int `yaml:"max_checkpoints"`
	MaxSnapshotBytes int `yaml:"max_snapshot_bytes"`

	Approval    ApprovalPolicy   `yaml:"approval"`
	Compression CompressorConfig `yaml:"compression"`

	DefaultCommandTimeoutMs int            `yaml:"default_command_timeout_ms"`
	MaxCommandTimeoutMs     int            `yaml:"max_command_timeout_ms"`
	ToolOutputLimits        map[string]int `yaml:"tool_output_limits,omitempty"`
	ToolLineLimits          map[string]int `yaml:"tool_line_limits,omitempty"`

	EnableLoopDetection bool `yaml:"enable_loop_detection"`
	LoopDetectionWindow int  `yaml:"loop_detection_window"`

	UserInstructions string `yaml:"user_instructions,omitempty"`
	StoreDir         string `yaml:"store_dir,omitempty"`
	EventBuffer      int    `yaml:"event_buffer"`
}

// DefaultConfig returns the default configuration. Every gated category
// requires approval.
func DefaultConfig() Config {
	compression := DefaultCompressorConfig(0)
	compression.ContextLimit = 0 // from the model catalog
	return Config{
		MaxLoops:                15,
		HistoryLimit:            50,
		ActivityTimeout:         DefaultActivityTimeout,
		MaxArgumentBytes:        DefaultMaxArgumentBytes,
		MaxParseAttempts:        DefaultMaxParseAttempts,
		MaxCheckpoints:          DefaultMaxCheckpoints,
		MaxSnapshotBytes:        DefaultMaxSnapshotBytes,
		Compression:             compression,
		DefaultCommandTimeoutMs: 10000,
		MaxCommandTimeoutMs:     600000,
		EnableLoopDetection:     true,
		LoopDetectionWindow:     10,
		EventBuffer:             256,
	}
}

// LoadConfig reads a YAML file over the defaults. Keys missing from the
// file keep their default values. Durations are written as "120s".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.MaxLoops <= 0 {
		errs = append(errs, fmt.Errorf("max_loops must be positive, got %d", c.MaxLoops))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit))
	}
	if c.ActivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("activity_timeout must be positive, got %s", c.ActivityTimeout))
	}
	if c.MaxArgumentBytes <= 0 || c.MaxParseAttempts <= 0 {
		errs = append(errs, errors.New("max_argument_bytes and max_parse_attempts must be positive"))
	}
	if c.MaxCheckpoints <= 0 || c.MaxSnapshotBytes <= 0 {
		errs = append(errs, errors.New("max_checkpoints and max_snapshot_bytes must be positive"))
	}
	if c.LoopDetectionWindow < 0 {
		errs = append(errs, fmt.Errorf("loop_detection_window must not be negative, got %d", c.LoopDetectionWindow))
	}

	cc := c.Compression.withDefaults()
	if !(cc.TruncateThreshold < cc.WindowThreshold && cc.WindowThreshold < cc.DeepThreshold && cc.DeepThreshold < 1.0) {
		errs = append(errs, fmt.Errorf("compression thresholds must increase and stay below 1.0, got %.2f/%.2f/%.2f",
			cc.TruncateThreshold, cc.WindowThreshold, cc.DeepThreshold))
	}
	return errors.Join(errs...)
}

func (c Config) truncationLimits() TruncationLimits {
	return TruncationLimits{Chars: c.ToolOutputLimits, Lines: c.ToolLineLimits}
}
