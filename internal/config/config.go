package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sceneline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	ShotTypes map[string]ShotType `yaml:"shot_types"`
	Generator struct {
		Endpoint       string `yaml:"endpoint"`
		APIKey         string `yaml:"api_key"`
		PollInterval   string `yaml:"poll_interval"`
		JobTimeout     string `yaml:"job_timeout"`
		SubmitAttempts int    `yaml:"submit_attempts"`
	} `yaml:"generator"`
	Signing struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		TTL       string `yaml:"ttl"`
		Margin    string `yaml:"margin"`
	} `yaml:"signing"`
	Retention struct {
		UndoWindow    string `yaml:"undo_window"`
		SweepSchedule string `yaml:"sweep_schedule"`
	} `yaml:"retention"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ShotType struct {
	Description    string `yaml:"description"`
	PromptTemplate string `yaml:"prompt_template"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with sl project config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.ShotTypes) == 0 {
		return fmt.Errorf("config.shot_types must define at least one shot type")
	}
	for name, st := range c.ShotTypes {
		if name == "" {
			return fmt.Errorf("config.shot_types contains empty shot type name")
		}
		if st.PromptTemplate == "" {
			return fmt.Errorf("shot type %s missing prompt_template", name)
		}
	}
	if c.Generator.SubmitAttempts < 1 {
		return fmt.Errorf("config.generator.submit_attempts must be >= 1")
	}
	for _, pair := range []struct {
		name, value string
	}{
		{"generator.poll_interval", c.Generator.PollInterval},
		{"generator.job_timeout", c.Generator.JobTimeout},
		{"signing.ttl", c.Signing.TTL},
		{"signing.margin", c.Signing.Margin},
		{"retention.undo_window", c.Retention.UndoWindow},
	} {
		if _, err := time.ParseDuration(pair.value); err != nil {
			return fmt.Errorf("config.%s: %w", pair.name, err)
		}
	}
	if c.SigningTTL() <= c.SigningMargin() {
		return fmt.Errorf("config.signing.ttl must exceed signing.margin")
	}
	return nil
}

// Duration accessors; Validate guarantees these parse.

func (c *Config) PollInterval() time.Duration { return mustDuration(c.Generator.PollInterval) }
func (c *Config) JobTimeout() time.Duration   { return mustDuration(c.Generator.JobTimeout) }
func (c *Config) SigningTTL() time.Duration   { return mustDuration(c.Signing.TTL) }
func (c *Config) SigningMargin() time.Duration {
	return mustDuration(c.Signing.Margin)
}
func (c *Config) UndoWindow() time.Duration { return mustDuration(c.Retention.UndoWindow) }

func mustDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sceneline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

shot_types:
  static:
    description: "Locked-off camera, no movement"
    prompt_template: "Static shot, locked camera. Transition smoothly from the start frame to the end frame."
  pan:
    description: "Horizontal camera pan"
    prompt_template: "Slow horizontal pan between the two frames, steady motion, no cuts."
  dolly:
    description: "Camera pushes in toward the subject"
    prompt_template: "Dolly-in shot moving toward the subject, cinematic depth, interpolate between frames."
  orbit:
    description: "Camera orbits the subject"
    prompt_template: "Orbiting camera move around the subject connecting the start and end frames."

generator:
  endpoint: "http://localhost:8090"
  api_key: ""
  poll_interval: 2s
  job_timeout: 10m
  submit_attempts: 4

signing:
  endpoint: "localhost:9000"
  access_key: ""
  secret_key: ""
  bucket: "sceneline-media"
  use_ssl: false
  ttl: 1h
  margin: 6m

retention:
  undo_window: 10s
  sweep_schedule: "@every 5s"

webhooks: []
`
