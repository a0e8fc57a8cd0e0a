package config

import "time"

// LoopConfig holds the Agent Loop's resource budget and behavior knobs
// (spec §4.E, §5).
type LoopConfig struct {
	// MaxIterations caps LLM calls per turn before the loop gives up with
	// a fatal "Max iterations reached" error. Default: 50.
	MaxIterations int `yaml:"max_iterations"`

	// ToolOutputMaxChars is the truncation threshold context-recovery
	// strategy 1 applies to oversized tool-result messages. Default: 2000.
	ToolOutputMaxChars int `yaml:"tool_output_max_chars"`

	// NarrationCadence, when > 0, injects a one-shot "summarize your
	// progress" prompt every N tool calls (§4.E step 6). 0 disables it.
	NarrationCadence int `yaml:"narration_cadence"`

	// AutoPlanThreshold, when > 0, fires a single auto_plan_suggest event
	// once cumulative tool calls in the turn cross it (§4.E step 5).
	AutoPlanThreshold int `yaml:"auto_plan_threshold"`

	// MaxContextRecoveryAttempts bounds how many times truncation and
	// compaction may retry a single iteration before surfacing a fatal
	// error (§4.E.1). The spec fixes this at 2.
	MaxContextRecoveryAttempts int `yaml:"-"`

	// MessageQueueCapacity bounds the follow-up message mailbox (§3).
	// The spec fixes this at 10.
	MessageQueueCapacity int `yaml:"-"`

	// RetryCountdownDefault is how long the interactive front-end waits
	// before retrying a retryable stream error (§4.G, §7). Default: 5s.
	RetryCountdownDefault time.Duration `yaml:"retry_countdown_default"`
}

// DefaultLoopConfig matches the spec's stated resource budget.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:              50,
		ToolOutputMaxChars:         2000,
		NarrationCadence:           0,
		AutoPlanThreshold:          0,
		MaxContextRecoveryAttempts: 2,
		MessageQueueCapacity:       10,
		RetryCountdownDefault:      5 * time.Second,
	}
}
