package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatePattern(t *testing.T) {
	v := NewValidator()

	for _, p := range []string{"sequential", "parallel", "hierarchical", "consensus", "pipeline", "scatter-gather"} {
		t.Run(p, func(t *testing.T) {
			assert.NoError(t, v.ValidatePattern(p))
		})
	}

	t.Run("unknown pattern", func(t *testing.T) {
		err := v.ValidatePattern("broadcast")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "scatter-gather")
	})
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.NoError(t, v.ValidateLogLevel("error"))
	assert.Error(t, v.ValidateLogLevel("trace"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidateRanges(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePositive("x", 1))
	assert.Error(t, v.ValidatePositive("x", 0))
	assert.Error(t, v.ValidatePositive("x", -3))

	assert.NoError(t, v.ValidateDuration("d", time.Millisecond))
	assert.Error(t, v.ValidateDuration("d", 0))

	assert.NoError(t, v.ValidateSampleRatio(0))
	assert.NoError(t, v.ValidateSampleRatio(1))
	assert.Error(t, v.ValidateSampleRatio(1.5))
}

func TestValidateListenAddress(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateListenAddress(":9090"))
	assert.NoError(t, v.ValidateListenAddress("127.0.0.1:2112"))
	assert.Error(t, v.ValidateListenAddress(""))
	assert.Error(t, v.ValidateListenAddress("9090"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Orchestrator.MaxConcurrent = 0
		cfg.Orchestrator.MailboxSize = -1
		cfg.Logging.Level = "loud"
		cfg.Tracing.Enabled = true
		cfg.Tracing.ServiceName = ""

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})
}
