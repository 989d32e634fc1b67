package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs ValidateConfig and joins the findings into one error.
func (v *Validator) Validate(cfg *Config) error {
	return errors.Join(v.ValidateConfig(cfg)...)
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

// ValidateApprovalMode validates safety.approval_mode
func (v *Validator) ValidateApprovalMode(mode string) error {
	if mode == "" {
		return nil // Use default
	}

	validModes := []string{ApprovalModePrompt, ApprovalModeAuto, ApprovalModeDeny, ApprovalModeQueue}
	for _, valid := range validModes {
		if mode == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid approval mode: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule validates a cron expression or descriptor. Empty disables
// the job and is accepted.
func (v *Validator) ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	// Orchestrator and safety sections go through the executor's own checks
	if err := cfg.ExecutorConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := v.ValidateApprovalMode(cfg.Safety.ApprovalMode); err != nil {
		errs = append(errs, fmt.Errorf("safety: %w", err))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Logging.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("logging.max_size_mb must be >= 0"))
	}

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if cfg.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must be >= 0"))
	}
	if cfg.Server.MaxClientsPerIP < 0 {
		errs = append(errs, fmt.Errorf("server.max_clients_per_ip must be >= 0"))
	}

	if cfg.History.Enabled && cfg.History.Retention < 0 {
		errs = append(errs, fmt.Errorf("history.retention must be >= 0"))
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Hooks {
			if !hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.Event) == "" {
				errs = append(errs, fmt.Errorf("hook %d: event is required", i))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errs = append(errs, fmt.Errorf("hook %d: script is required", i))
			}
		}
	}

	for name, spec := range map[string]string{
		"cache_sweep_schedule":   cfg.Maintenance.CacheSweepSchedule,
		"record_prune_schedule":  cfg.Maintenance.RecordPruneSchedule,
		"history_prune_schedule": cfg.Maintenance.HistoryPruneSchedule,
	} {
		if err := v.ValidateSchedule(spec); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.%s: %w", name, err))
		}
	}
	if cfg.Maintenance.RecordRetention < 0 {
		errs = append(errs, fmt.Errorf("maintenance.record_retention must be >= 0"))
	}

	if cfg.Shell.Enabled {
		if err := cfg.Shell.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("shell: %w", err))
		}
	}

	if cfg.Plugins.Enabled {
		for _, dir := range cfg.Plugins.Dirs {
			if strings.TrimSpace(dir) == "" {
				errs = append(errs, fmt.Errorf("plugins.dirs cannot contain empty paths"))
			}
		}
	}

	if cfg.Tracing.Enabled {
		if err := cfg.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	return errs
}
