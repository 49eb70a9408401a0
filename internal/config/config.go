package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models draftline.yml.
type Config struct {
	Budget BudgetConfig `yaml:"budget"`
	Model  ModelConfig  `yaml:"model"`
}

// BudgetConfig bounds the context assembled for a model call. Oversized
// prompts are the dominant cause of model timeouts, so assembly fails fast
// locally instead of submitting them.
type BudgetConfig struct {
	MaxContextBytes     int `yaml:"max_context_bytes"`
	FieldThresholdChars int `yaml:"field_threshold_chars"`
	BulletKeepLines     int `yaml:"bullet_keep_lines"`
}

// ModelConfig describes the generative model endpoint and its invocation
// policy. ReadTimeout must exceed worst-case generation latency for the
// largest context the budget permits.
type ModelConfig struct {
	Host                  string  `yaml:"host"`
	Name                  string  `yaml:"name"`
	Temperature           float64 `yaml:"temperature"`
	ConnectTimeoutSeconds int     `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int     `yaml:"read_timeout_seconds"`
	MaxAttempts           int     `yaml:"max_attempts"`
	BackoffInitialMS      int     `yaml:"backoff_initial_ms"`
	BackoffMaxMS          int     `yaml:"backoff_max_ms"`
}

func (m ModelConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSeconds) * time.Second
}

func (m ModelConfig) ReadTimeout() time.Duration {
	return time.Duration(m.ReadTimeoutSeconds) * time.Second
}

func (m ModelConfig) BackoffInitial() time.Duration {
	return time.Duration(m.BackoffInitialMS) * time.Millisecond
}

func (m ModelConfig) BackoffMax() time.Duration {
	return time.Duration(m.BackoffMaxMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Budget.MaxContextBytes <= 0 {
		return fmt.Errorf("config.budget.max_context_bytes must be positive")
	}
	if c.Budget.FieldThresholdChars <= 0 {
		return fmt.Errorf("config.budget.field_threshold_chars must be positive")
	}
	if c.Budget.BulletKeepLines <= 0 {
		return fmt.Errorf("config.budget.bullet_keep_lines must be positive")
	}
	if c.Model.Host == "" {
		return fmt.Errorf("config.model.host is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("config.model.name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("config.model.temperature must be in [0,2]")
	}
	if c.Model.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("config.model.connect_timeout_seconds must be positive")
	}
	if c.Model.ReadTimeoutSeconds <= c.Model.ConnectTimeoutSeconds {
		return fmt.Errorf("config.model.read_timeout_seconds must exceed connect_timeout_seconds")
	}
	if c.Model.MaxAttempts <= 0 {
		return fmt.Errorf("config.model.max_attempts must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration. Timeouts are derived from
// observed generation latency at the maximum permitted context size.
func Default() *Config {
	return &Config{
		Budget: BudgetConfig{
			MaxContextBytes:     24000,
			FieldThresholdChars: 1000,
			BulletKeepLines:     10,
		},
		Model: ModelConfig{
			Host:                  "http://127.0.0.1:11434",
			Name:                  "llama3.1",
			Temperature:           0.2,
			ConnectTimeoutSeconds: 60,
			ReadTimeoutSeconds:    600,
			MaxAttempts:           3,
			BackoffInitialMS:      500,
			BackoffMaxMS:          8000,
		},
	}
}

// GenerateDefault returns the default config as YAML, for `dl config init`.
func GenerateDefault() string {
	b, _ := yaml.Marshal(Default())
	return string(b)
}
