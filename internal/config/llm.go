package config

import "time"

// LLMConfig configures the Chat Stream Client's upstream provider
// selection (spec §4.C, §6.1). Anteroom is OpenAI-compatible by
// contract; Anthropic is wired as a second provider the same way the
// teacher's gateway supports multiple backends.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig is one provider's credentials and defaults.
type LLMProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ProviderConfig resolves the named provider's config, falling back to
// the zero value (caller must then reject or apply hardcoded defaults).
func (c LLMConfig) ProviderConfig(name string) LLMProviderConfig {
	if c.Providers == nil {
		return LLMProviderConfig{}
	}
	return c.Providers[name]
}
