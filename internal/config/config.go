// Package config loads the orchestrator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full orchestrator configuration.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Clock   ClockConfig   `yaml:"clock"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Detect  DetectConfig  `yaml:"detect"`
	Serve   ServeConfig   `yaml:"serve"`
	Storage StorageConfig `yaml:"storage"`
	Events  []EventConfig `yaml:"events"`
}

// NetworkConfig points at the road network description.
type NetworkConfig struct {
	GraphPath string `yaml:"graph_path"`
}

// ClockConfig controls simulated time stepping.
type ClockConfig struct {
	Start        time.Time `yaml:"start"`
	Step         Duration  `yaml:"step"`
	TickInterval Duration  `yaml:"tick_interval"`
	Accelerated  bool      `yaml:"accelerated"`
}

// OracleConfig selects and tunes the reasoning backend.
type OracleConfig struct {
	Backend     string  `yaml:"backend"` // anthropic | scripted
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
	APIKeyEnv   string  `yaml:"api_key_env"`
}

// JobsConfig tunes the dispatcher and commit pipeline.
type JobsConfig struct {
	Workers     int      `yaml:"workers"`
	QueueSize   int      `yaml:"queue_size"`
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
	CommitBatch int      `yaml:"commit_batch"`
}

// DetectConfig tunes impact detection.
type DetectConfig struct {
	AlternativesRadiusM float64 `yaml:"alternatives_radius_m"`
	MaxAlternatives     int     `yaml:"max_alternatives"`
}

// ServeConfig holds listen addresses.
type ServeConfig struct {
	MonitorAddr string `yaml:"monitor_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// StorageConfig points at the plan database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// EventConfig schedules one event at startup.
type EventConfig struct {
	ID       string    `yaml:"id"`
	Type     string    `yaml:"type"`
	Name     string    `yaml:"name"`
	POIID    string    `yaml:"poi"`
	Start    time.Time `yaml:"start"`
	End      time.Time `yaml:"end"`
	Capacity int       `yaml:"capacity"`
}

// Defaults applied when fields are unset.
const (
	DefaultStep                = 15 * time.Minute
	DefaultTickInterval        = time.Second
	DefaultWorkers             = 8
	DefaultQueueSize           = 256
	DefaultTimeout             = 30 * time.Second
	DefaultMaxAttempts         = 3
	DefaultCommitBatch         = 32
	DefaultAlternativesRadiusM = 500
	DefaultMaxAlternatives     = 3
	DefaultMonitorAddr         = ":8090"
	DefaultMetricsAddr         = ":9090"
	DefaultAPIKeyEnv           = "ANTHROPIC_API_KEY"
)

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Clock.Step <= 0 {
		c.Clock.Step = Duration(DefaultStep)
	}
	if c.Clock.TickInterval <= 0 {
		c.Clock.TickInterval = Duration(DefaultTickInterval)
	}
	if c.Clock.Start.IsZero() {
		c.Clock.Start = time.Now().UTC().Truncate(time.Minute)
	}
	if c.Oracle.Backend == "" {
		c.Oracle.Backend = "anthropic"
	}
	if c.Oracle.MaxTokens <= 0 {
		c.Oracle.MaxTokens = 1024
	}
	if c.Oracle.APIKeyEnv == "" {
		c.Oracle.APIKeyEnv = DefaultAPIKeyEnv
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = DefaultWorkers
	}
	if c.Jobs.QueueSize <= 0 {
		c.Jobs.QueueSize = DefaultQueueSize
	}
	if c.Jobs.Timeout <= 0 {
		c.Jobs.Timeout = Duration(DefaultTimeout)
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = DefaultMaxAttempts
	}
	if c.Jobs.CommitBatch <= 0 {
		c.Jobs.CommitBatch = DefaultCommitBatch
	}
	if c.Detect.AlternativesRadiusM <= 0 {
		c.Detect.AlternativesRadiusM = DefaultAlternativesRadiusM
	}
	if c.Detect.MaxAlternatives <= 0 {
		c.Detect.MaxAlternatives = DefaultMaxAlternatives
	}
	if c.Serve.MonitorAddr == "" {
		c.Serve.MonitorAddr = DefaultMonitorAddr
	}
	if c.Serve.MetricsAddr == "" {
		c.Serve.MetricsAddr = DefaultMetricsAddr
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Network.GraphPath == "" {
		return errors.New("config: network.graph_path is required")
	}
	switch c.Oracle.Backend {
	case "anthropic", "scripted":
	default:
		return fmt.Errorf("config: unknown oracle backend %q", c.Oracle.Backend)
	}
	for i, ev := range c.Events {
		if ev.ID == "" {
			return fmt.Errorf("config: events[%d] missing id", i)
		}
		if ev.POIID == "" {
			return fmt.Errorf("config: event %s missing poi", ev.ID)
		}
		if !ev.End.After(ev.Start) {
			return fmt.Errorf("config: event %s has non-positive window", ev.ID)
		}
	}
	return nil
}
