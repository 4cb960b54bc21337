package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models linkline.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Encodings struct {
		MinSize int `yaml:"min_size"`
		MaxSize int `yaml:"max_size"`
	} `yaml:"encodings"`
	Receipts struct {
		// Secret signs the receipt tokens handed back on upload.
		Secret string `yaml:"secret"`
	} `yaml:"receipts"`
	Scheduler struct {
		PollIntervalMS int `yaml:"poll_interval_ms"`
		MaxConcurrent  int `yaml:"max_concurrent"`
		ReapIntervalMS int `yaml:"reap_interval_ms"`
		DeleteGraceMS  int `yaml:"delete_grace_ms"`
	} `yaml:"scheduler"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Encodings.MinSize <= 0 {
		return fmt.Errorf("config.encodings.min_size must be positive")
	}
	if c.Encodings.MaxSize < c.Encodings.MinSize {
		return fmt.Errorf("config.encodings.max_size must be >= min_size")
	}
	if c.Scheduler.PollIntervalMS <= 0 {
		return fmt.Errorf("config.scheduler.poll_interval_ms must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("config.scheduler.max_concurrent must be positive")
	}
	if c.Scheduler.ReapIntervalMS <= 0 {
		return fmt.Errorf("config.scheduler.reap_interval_ms must be positive")
	}
	if c.Scheduler.DeleteGraceMS < 0 {
		return fmt.Errorf("config.scheduler.delete_grace_ms must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "linkline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their defaults.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  listen: ":8851"
  base_path: /api/v1

encodings:
  min_size: 8
  max_size: 4096

receipts:
  secret: linkline-dev-receipts

scheduler:
  poll_interval_ms: 200
  max_concurrent: 4
  reap_interval_ms: 250
  delete_grace_ms: 0
`
