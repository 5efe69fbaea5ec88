package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the swarm configuration
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator" mapstructure:"orchestrator"`
	State        StateConfig        `json:"state" yaml:"state" mapstructure:"state"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Tracing      TracingConfig      `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	DataDir      string             `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// OrchestratorConfig holds dispatcher, router and heartbeat settings
type OrchestratorConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MaxConcurrent     int           `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MailboxSize       int           `json:"mailbox_size" yaml:"mailbox_size" mapstructure:"mailbox_size"`
	DefaultPattern    string        `json:"default_pattern" yaml:"default_pattern" mapstructure:"default_pattern"`
}

// StateConfig holds shared state store settings
type StateConfig struct {
	HistorySize        int           `json:"history_size" yaml:"history_size" mapstructure:"history_size"`
	DefaultLockTimeout time.Duration `json:"default_lock_timeout" yaml:"default_lock_timeout" mapstructure:"default_lock_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" yaml:"level" mapstructure:"level"`
	File    string `json:"file" yaml:"file" mapstructure:"file"`
	Console bool   `json:"console" yaml:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	// AuditFile receives one JSON line per orchestrator event when set
	AuditFile string `json:"audit_file" yaml:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" yaml:"listen" mapstructure:"listen"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxConcurrent:     10,
			MailboxSize:       100,
			DefaultPattern:    "sequential",
		},
		State: StateConfig{
			HistorySize:        1000,
			DefaultLockTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "swarm",
			SampleRatio: 1.0,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}

// settings flattens the config into viper keys. Durations are written in
// their string form so files stay readable.
func (c *Config) settings() map[string]interface{} {
	return map[string]interface{}{
		"orchestrator.heartbeat_interval": c.Orchestrator.HeartbeatInterval.String(),
		"orchestrator.max_concurrent":     c.Orchestrator.MaxConcurrent,
		"orchestrator.mailbox_size":       c.Orchestrator.MailboxSize,
		"orchestrator.default_pattern":    c.Orchestrator.DefaultPattern,
		"state.history_size":              c.State.HistorySize,
		"state.default_lock_timeout":      c.State.DefaultLockTimeout.String(),
		"logging.level":                   c.Logging.Level,
		"logging.file":                    c.Logging.File,
		"logging.console":                 c.Logging.Console,
		"logging.pretty":                  c.Logging.Pretty,
		"logging.audit_file":              c.Logging.AuditFile,
		"metrics.enabled":                 c.Metrics.Enabled,
		"metrics.listen":                  c.Metrics.Listen,
		"tracing.enabled":                 c.Tracing.Enabled,
		"tracing.service_name":            c.Tracing.ServiceName,
		"tracing.sample_ratio":            c.Tracing.SampleRatio,
		"data_dir":                        c.DataDir,
	}
}
