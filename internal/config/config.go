// Package config loads Anteroom's runtime knobs: the safety gate's
// approval policy, the agent loop's resource budgets, the sub-agent
// scheduler's caps, provider credentials, and the ambient logging/server
// settings. It deliberately does not cover anything the core treats as
// an external collaborator (persistence schema, MCP transport, terminal
// rendering, HTTP routing) — those own their own configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration for one Anteroom process.
type Config struct {
	Safety   SafetyConfig   `yaml:"safety"`
	Loop     LoopConfig     `yaml:"loop"`
	Subagent SubagentConfig `yaml:"subagent"`
	LLM      LLMConfig      `yaml:"llm"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns a Config with every field set to the values documented
// in the spec's resource budget (§5) and safety defaults (§4.B).
func Default() Config {
	return Config{
		Safety:   DefaultSafetyConfig(),
		Loop:     DefaultLoopConfig(),
		Subagent: DefaultSubagentConfig(),
		LLM:      LLMConfig{DefaultProvider: "openai"},
		Server:   DefaultServerConfig(),
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file at path, starting from Default() so any
// field the file omits keeps its documented default. Environment
// variables of the form ${VAR} and ${VAR:-fallback} are expanded before
// parsing, matching the interpolation the teacher's loader used for
// secrets (API keys, webhook tokens).
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := expandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} and ${VAR:-default} references. It is
// intentionally simple: Anteroom's config surface is small enough that a
// full templating engine would be over-engineering.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if name, fallback, ok := strings.Cut(key, ":-"); ok {
			if v, present := os.LookupEnv(name); present && v != "" {
				return v
			}
			return fallback
		}
		return os.Getenv(key)
	})
}
