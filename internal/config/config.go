package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"waveline/internal/graph"
	"waveline/internal/lifecycle"
)

// ErrInvalid marks configuration that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config models waveline.yml.
type Config struct {
	Hierarchy struct {
		MaxDepth    int `yaml:"max_depth"`
		MaxSiblings int `yaml:"max_siblings"`
	} `yaml:"hierarchy"`
	Store struct {
		BackupCount int `yaml:"backup_count"`
		Lock        struct {
			Timeout         time.Duration `yaml:"timeout"`
			InitialInterval time.Duration `yaml:"initial_interval"`
			MaxInterval     time.Duration `yaml:"max_interval"`
			StaleAfter      time.Duration `yaml:"stale_after"`
		} `yaml:"lock"`
	} `yaml:"store"`
	Pipeline struct {
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"pipeline"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one change-log subscriber. Events lists event types to
// forward; empty means all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// StageConfig is one entry of pipeline.stages.
type StageConfig struct {
	Name          string   `yaml:"name"`
	DisplayName   string   `yaml:"display_name,omitempty"`
	Category      string   `yaml:"category,omitempty"`
	Skippable     bool     `yaml:"skippable"`
	Gated         bool     `yaml:"gated"`
	TimeoutHours  int      `yaml:"timeout_hours,omitempty"`
	Prerequisites []string `yaml:"prerequisites,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Load reads and validates config from workspace. A missing file yields
// the built-in defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if c.Hierarchy.MaxDepth < 1 {
		return invalid("hierarchy.max_depth must be at least 1")
	}
	if c.Hierarchy.MaxSiblings < 0 {
		return invalid("hierarchy.max_siblings must not be negative")
	}
	if c.Store.BackupCount < 0 {
		return invalid("store.backup_count must not be negative")
	}
	if c.Store.Lock.Timeout < 0 || c.Store.Lock.InitialInterval < 0 || c.Store.Lock.MaxInterval < 0 || c.Store.Lock.StaleAfter < 0 {
		return invalid("store.lock durations must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if _, err := c.StageDefs(); err != nil {
		return err
	}
	for i, h := range c.Webhooks {
		if strings.TrimSpace(h.URL) == "" {
			return invalid("webhooks[%d].url is required", i)
		}
		if h.TimeoutSeconds < 0 {
			return invalid("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// StageDefs converts pipeline.stages into lifecycle definitions and checks
// them the same way lifecycle.NewPipeline does.
func (c *Config) StageDefs() ([]lifecycle.StageDef, error) {
	if len(c.Pipeline.Stages) == 0 {
		return nil, invalid("pipeline.stages must list at least one stage")
	}
	defs := make([]lifecycle.StageDef, 0, len(c.Pipeline.Stages))
	for i, sc := range c.Pipeline.Stages {
		s, err := lifecycle.ParseStage(sc.Name)
		if err != nil {
			return nil, invalid("pipeline.stages[%d]: %v", i, err)
		}
		if sc.TimeoutHours < 0 {
			return nil, invalid("stage %s: timeout_hours must not be negative", s)
		}
		switch lifecycle.Category(sc.Category) {
		case "", lifecycle.CategoryPlanning, lifecycle.CategoryExecution, lifecycle.CategoryDelivery:
		default:
			return nil, invalid("stage %s: unknown category %q", s, sc.Category)
		}
		def := lifecycle.StageDef{
			Stage:       s,
			DisplayName: sc.DisplayName,
			Category:    lifecycle.Category(sc.Category),
			Skippable:   sc.Skippable,
			Gated:       sc.Gated,
			Timeout:     time.Duration(sc.TimeoutHours) * time.Hour,
		}
		for _, name := range sc.Prerequisites {
			pre, err := lifecycle.ParseStage(name)
			if err != nil {
				return nil, invalid("stage %s prerequisite: %v", s, err)
			}
			def.Prerequisites = append(def.Prerequisites, pre)
		}
		defs = append(defs, def)
	}
	if _, err := lifecycle.NewPipeline(defs); err != nil {
		return nil, invalid("pipeline: %v", err)
	}
	return defs, nil
}

// BuildPipeline builds the lifecycle pipeline. Call it once per process and
// pass the result around.
func (c *Config) BuildPipeline() (*lifecycle.Pipeline, error) {
	defs, err := c.StageDefs()
	if err != nil {
		return nil, err
	}
	return lifecycle.NewPipeline(defs)
}

// Limits returns the hierarchy bounds.
func (c *Config) Limits() graph.Limits {
	return graph.Limits{MaxDepth: c.Hierarchy.MaxDepth, MaxSiblings: c.Hierarchy.MaxSiblings}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "waveline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections
// missing from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		// A pipeline.stages list in data replaces the default one wholesale.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrInvalid, err)
		}
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

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `hierarchy:
  max_depth: 3
  max_siblings: 20

store:
  backup_count: 10
  lock:
    timeout: 10s
    initial_interval: 20ms
    max_interval: 500ms
    stale_after: 30s

pipeline:
  stages:
    - name: research
      gated: true
      timeout_hours: 48
    - name: consensus
      gated: true
      skippable: true
      timeout_hours: 24
      prerequisites: [research]
    - name: architecture
      display_name: Architecture Decision
      gated: true
      skippable: true
      timeout_hours: 24
      prerequisites: [consensus]
    - name: spec
      display_name: Specification
      gated: true
      timeout_hours: 48
      prerequisites: [research, consensus]
    - name: decompose
      display_name: Decomposition
      gated: true
      timeout_hours: 24
      prerequisites: [spec]
    - name: implement
      display_name: Implementation
      gated: true
      timeout_hours: 168
      prerequisites: [decompose]
    - name: verify
      display_name: Verification
      skippable: true
      timeout_hours: 24
      prerequisites: [implement]
    - name: test
      display_name: Testing
      gated: true
      timeout_hours: 48
      prerequisites: [implement, verify]
    - name: release
      category: delivery
      gated: true
      timeout_hours: 24
      prerequisites: [test]

logging:
  level: info
  file: ""

server:
  addr: 127.0.0.1:8080
  jwt_secret: ""
`
