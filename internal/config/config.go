package config

import (
	"encoding/json"
	"time"

	"github.com/harun/toolhub/internal/audit"
	"github.com/harun/toolhub/internal/logger"
	"github.com/harun/toolhub/internal/tracing"
	"github.com/harun/toolhub/pkg/plugin"
	"github.com/harun/toolhub/pkg/shell"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

// Approval modes accepted by safety.approval_mode.
const (
	ApprovalModePrompt = "prompt"
	ApprovalModeAuto   = "auto"
	ApprovalModeDeny   = "deny"
	ApprovalModeQueue  = "queue"
)

// Config represents the main toolhub configuration
type Config struct {
	// Data directory for the history database, allowlist and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Safety       SafetyConfig       `json:"safety" mapstructure:"safety"`
	Logging      logger.Config      `json:"logging" mapstructure:"logging"`
	Server       ServerConfig       `json:"server" mapstructure:"server"`
	History      HistoryConfig      `json:"history" mapstructure:"history"`
	Audit        audit.Config       `json:"audit" mapstructure:"audit"`
	Hooks        HooksConfig        `json:"hooks" mapstructure:"hooks"`
	Maintenance  MaintenanceConfig  `json:"maintenance" mapstructure:"maintenance"`
	Tracing      tracing.Config     `json:"tracing" mapstructure:"tracing"`
	Shell        shell.Config       `json:"shell" mapstructure:"shell"`
	Plugins      plugin.Config      `json:"plugins" mapstructure:"plugins"`
}

// OrchestratorConfig mirrors toolexecutor.Config minus the safety policy.
type OrchestratorConfig struct {
	CacheResults            bool          `json:"cache_results" mapstructure:"cache_results"`
	ValidateResults         bool          `json:"validate_results" mapstructure:"validate_results"`
	MaxConcurrentExecutions int           `json:"max_concurrent_executions" mapstructure:"max_concurrent_executions"`
	DefaultTimeout          time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	DefaultCacheTTL         time.Duration `json:"default_cache_ttl" mapstructure:"default_cache_ttl"`
	ProviderShutdownTimeout time.Duration `json:"provider_shutdown_timeout" mapstructure:"provider_shutdown_timeout"`
}

// SafetyConfig is the guardrail policy plus how approvals are obtained.
type SafetyConfig struct {
	toolexecutor.SafetyPolicy `mapstructure:",squash"`

	ApprovalMode  string `json:"approval_mode" mapstructure:"approval_mode"` // prompt, auto, deny, queue
	AllowlistPath string `json:"allowlist_path" mapstructure:"allowlist_path"`
}

// ServerConfig holds HTTP gateway configuration
type ServerConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	SharedSecret    string        `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimit       int           `json:"rate_limit" mapstructure:"rate_limit"` // requests per minute per client, 0 disables
	MaxClientsPerIP int           `json:"max_clients_per_ip" mapstructure:"max_clients_per_ip"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// HistoryConfig controls the sqlite execution history.
type HistoryConfig struct {
	Enabled   bool          `json:"enabled" mapstructure:"enabled"`
	Path      string        `json:"path" mapstructure:"path"`
	Retention time.Duration `json:"retention" mapstructure:"retention"`
}

// HooksConfig holds shell hooks run on executor events.
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig is one shell hook. Event is an executor event type such as
// execution-failed; Tools optionally restricts it to matching tool IDs.
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Tools   []string      `json:"tools,omitempty" mapstructure:"tools"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

// MaintenanceConfig schedules background housekeeping. Schedules use cron
// syntax or descriptors such as "@every 1m"; an empty schedule disables the job.
type MaintenanceConfig struct {
	CacheSweepSchedule   string        `json:"cache_sweep_schedule" mapstructure:"cache_sweep_schedule"`
	RecordPruneSchedule  string        `json:"record_prune_schedule" mapstructure:"record_prune_schedule"`
	RecordRetention      time.Duration `json:"record_retention" mapstructure:"record_retention"`
	HistoryPruneSchedule string        `json:"history_prune_schedule" mapstructure:"history_prune_schedule"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	exec := toolexecutor.DefaultConfig()

	return &Config{
		Orchestrator: OrchestratorConfig{
			CacheResults:            exec.CacheResults,
			ValidateResults:         exec.ValidateResults,
			MaxConcurrentExecutions: exec.MaxConcurrentExecutions,
			DefaultTimeout:          exec.DefaultTimeout,
			DefaultCacheTTL:         exec.DefaultCacheTTL,
			ProviderShutdownTimeout: exec.ProviderShutdownTimeout,
		},
		Safety: SafetyConfig{
			SafetyPolicy: toolexecutor.DefaultSafetyPolicy(),
			ApprovalMode: ApprovalModeDeny,
		},
		Logging: logger.DefaultConfig(),
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			RateLimit:       600,
			MaxClientsPerIP: 16,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			CacheSweepSchedule:   "@every 1m",
			RecordPruneSchedule:  "@every 10m",
			RecordRetention:      time.Hour,
			HistoryPruneSchedule: "@every 1h",
		},
		Tracing: tracing.Config{
			ServiceName: "toolhub",
			SampleRatio: 1.0,
			Exporter:    tracing.ExporterNone,
		},
		Shell: shell.DefaultConfig(),
	}
}

// ExecutorConfig converts the orchestrator and safety sections into the
// executor's configuration.
func (c *Config) ExecutorConfig() toolexecutor.Config {
	return toolexecutor.Config{
		CacheResults:            c.Orchestrator.CacheResults,
		ValidateResults:         c.Orchestrator.ValidateResults,
		MaxConcurrentExecutions: c.Orchestrator.MaxConcurrentExecutions,
		DefaultTimeout:          c.Orchestrator.DefaultTimeout,
		DefaultCacheTTL:         c.Orchestrator.DefaultCacheTTL,
		ProviderShutdownTimeout: c.Orchestrator.ProviderShutdownTimeout,
		Safety:                  c.Safety.SafetyPolicy,
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Server.SharedSecret != "" {
		masked.Server.SharedSecret = "********"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
