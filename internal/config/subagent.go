package config

// SubagentConfig holds the sub-agent scheduler's admission and resource
// budget knobs (spec §4.F, §5).
type SubagentConfig struct {
	// MaxConcurrent bounds simultaneously-running sub-agents across a
	// root request. Default: 5.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxTotal bounds the cumulative number of sub-agents spawned across
	// a root request's lifetime, including ones that already finished.
	// spec.md states 10 explicitly; see DESIGN.md for the Open Question
	// resolution against the original source's 20.
	MaxTotal int `yaml:"max_total"`

	// MaxDepth bounds nested run_agent invocations. Default: 3.
	MaxDepth int `yaml:"max_depth"`

	// MaxChildIterations caps a child Agent Loop's own iteration budget.
	// Default: 25.
	MaxChildIterations int `yaml:"max_child_iterations"`

	// MaxOutputChars truncates a child's accumulated text output before
	// it's returned to the parent as a tool result. Default: 4000.
	MaxOutputChars int `yaml:"max_output_chars"`

	// MaxPromptChars rejects run_agent invocations with an oversized
	// prompt outright. Default: 32000 (32 KB).
	MaxPromptChars int `yaml:"max_prompt_chars"`
}

// DefaultSubagentConfig matches the spec's stated resource budget.
func DefaultSubagentConfig() SubagentConfig {
	return SubagentConfig{
		MaxConcurrent:      5,
		MaxTotal:           10,
		MaxDepth:           3,
		MaxChildIterations: 25,
		MaxOutputChars:     4000,
		MaxPromptChars:     32 * 1024,
	}
}
