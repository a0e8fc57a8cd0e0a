package config

// LoggingConfig configures the ambient structured logger
// (internal/observability.Logger), matching the teacher's convention of
// a small YAML-tagged struct feeding a slog-based logger.
type LoggingConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	AddSource bool     `yaml:"add_source"`
	Redact    []string `yaml:"redact_patterns"`
}
