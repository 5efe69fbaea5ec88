package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/harun/swarm/pkg/orchestrator"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePattern validates a collaboration pattern name
func (v *Validator) ValidatePattern(pattern string) error {
	if _, err := orchestrator.ParsePattern(pattern); err != nil {
		names := make([]string, 0, len(orchestrator.Patterns()))
		for _, p := range orchestrator.Patterns() {
			names = append(names, string(p))
		}
		return fmt.Errorf("invalid pattern: %s (must be one of: %s)", pattern, strings.Join(names, ", "))
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePositive validates that an integer setting is greater than zero
func (v *Validator) ValidatePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

// ValidateDuration validates that a duration setting is greater than zero
func (v *Validator) ValidateDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

// ValidateListenAddress validates a host:port listen address
func (v *Validator) ValidateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	add(v.ValidateDuration("orchestrator.heartbeat_interval", cfg.Orchestrator.HeartbeatInterval))
	add(v.ValidatePositive("orchestrator.max_concurrent", cfg.Orchestrator.MaxConcurrent))
	add(v.ValidatePositive("orchestrator.mailbox_size", cfg.Orchestrator.MailboxSize))
	add(v.ValidatePattern(cfg.Orchestrator.DefaultPattern))

	add(v.ValidatePositive("state.history_size", cfg.State.HistorySize))
	add(v.ValidateDuration("state.default_lock_timeout", cfg.State.DefaultLockTimeout))

	add(v.ValidateLogLevel(cfg.Logging.Level))

	if cfg.Metrics.Enabled {
		add(v.ValidateListenAddress(cfg.Metrics.Listen))
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.ServiceName == "" {
			errors = append(errors, fmt.Errorf("tracing.service_name cannot be empty"))
		}
		add(v.ValidateSampleRatio(cfg.Tracing.SampleRatio))
	}

	return errors
}
