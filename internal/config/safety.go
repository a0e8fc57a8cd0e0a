package config

import "github.com/haasonsaas/nexus/internal/safety"

// SafetyConfig is the YAML-tagged shape of the safety gate's policy
// (spec §4.B). It is converted once at startup into safety.Config, the
// shape the gate's decision function actually consumes.
type SafetyConfig struct {
	// Enabled is the global kill switch (§4.B step 1). false auto-allows
	// every tool call.
	Enabled bool `yaml:"enabled"`

	// Mode selects the approval threshold: "auto", "ask_for_dangerous",
	// "ask_for_writes", or "ask".
	Mode string `yaml:"mode"`

	// BashEnabled and WriteFileEnabled are independent per-tool kill
	// switches (§4.B step 2); disabling either hard-denies that tool.
	BashEnabled      bool `yaml:"bash_enabled"`
	WriteFileEnabled bool `yaml:"write_file_enabled"`

	AllowedTools []string `yaml:"allowed_tools"`
	DeniedTools  []string `yaml:"denied_tools"`

	// CustomDestructivePatterns extends the built-in bash destructive
	// pattern table (§4.B.1); each entry is a Go regexp.
	CustomDestructivePatterns []string `yaml:"custom_destructive_patterns"`

	// CustomSensitivePaths extends the built-in write-path sensitivity
	// list (§4.B.1).
	CustomSensitivePaths []string `yaml:"custom_sensitive_paths"`
}

// DefaultSafetyConfig matches the spec's stated default approval mode:
// ask_for_writes, both tool kill switches on, gate enabled.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		Enabled:          true,
		Mode:             "ask_for_writes",
		BashEnabled:      true,
		WriteFileEnabled: true,
	}
}

// ToSafetyConfig converts the YAML-tagged config into the shape
// internal/safety's gate decision function consumes.
func (c SafetyConfig) ToSafetyConfig() safety.Config {
	return safety.Config{
		Enabled:          c.Enabled,
		ApprovalMode:     c.Mode,
		BashEnabled:      c.BashEnabled,
		WriteFileEnabled: c.WriteFileEnabled,
		AllowedTools:     c.AllowedTools,
		DeniedTools:      c.DeniedTools,
		CustomPatterns:   c.CustomDestructivePatterns,
		SensitivePaths:   c.CustomSensitivePaths,
	}
}
