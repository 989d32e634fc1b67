package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateApprovalMode(t *testing.T) {
	v := NewValidator()

	for _, mode := range []string{"", "prompt", "auto", "deny", "queue"} {
		assert.NoError(t, v.ValidateApprovalMode(mode), mode)
	}
	assert.Error(t, v.ValidateApprovalMode("maybe"))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 5m"))
	assert.NoError(t, v.ValidateSchedule("*/10 * * * *"))
	assert.Error(t, v.ValidateSchedule("every so often"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Orchestrator.MaxConcurrentExecutions = 0
		cfg.Safety.ApprovalMode = "sometimes"
		cfg.Logging.Level = "chatty"
		cfg.Server.Port = 70000
		cfg.Maintenance.CacheSweepSchedule = "whenever"
		cfg.Hooks.Enabled = true
		cfg.Hooks.Hooks = []HookConfig{{ID: "broken", Enabled: true}}
		cfg.Tracing.Enabled = true
		cfg.Tracing.SampleRatio = 2

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 8)
		assert.Error(t, cfg.Validate())
	})

	t.Run("disabled hooks are not checked", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Hooks.Hooks = []HookConfig{{ID: "draft", Enabled: true}}
		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("shell checked only when enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Shell.Runtime = "vm"
		assert.Empty(t, v.ValidateConfig(cfg))

		cfg.Shell.Enabled = true
		errs := v.ValidateConfig(cfg)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "shell")
	})

	t.Run("negative safety durations", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Safety.Cooldown = -1
		assert.Len(t, v.ValidateConfig(cfg), 1)
	})
}
