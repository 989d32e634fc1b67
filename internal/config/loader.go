package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/harun/toolhub/internal/tracing"
)

// EnvPrefix prefixes environment overrides, e.g. TOOLHUB_SERVER_PORT.
const EnvPrefix = "TOOLHUB"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the defaults
// with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".toolhub")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "toolhub.log")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.DataDir, "history.db")
	}
	if cfg.Tracing.Exporter == tracing.ExporterFile && cfg.Tracing.Path == "" {
		cfg.Tracing.Path = filepath.Join(cfg.DataDir, "traces.jsonl")
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Safety.AllowlistPath == "" {
		cfg.Safety.AllowlistPath = filepath.Join(cfg.DataDir, "approvals.json")
	}
	if len(cfg.Plugins.Dirs) == 0 {
		cfg.Plugins.Dirs = []string{filepath.Join(cfg.DataDir, "plugins")}
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Round-trip through JSON so every encoder sees the json field names
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var sections map[string]interface{}
	if err := json.Unmarshal(raw, &sections); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))
	for key, value := range sections {
		v.Set(key, value)
	}

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".toolhub", "toolhub.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// setDefaults registers every key so environment overrides apply even when
// the file does not mention them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("orchestrator.cache_results", cfg.Orchestrator.CacheResults)
	v.SetDefault("orchestrator.validate_results", cfg.Orchestrator.ValidateResults)
	v.SetDefault("orchestrator.max_concurrent_executions", cfg.Orchestrator.MaxConcurrentExecutions)
	v.SetDefault("orchestrator.default_timeout", cfg.Orchestrator.DefaultTimeout)
	v.SetDefault("orchestrator.default_cache_ttl", cfg.Orchestrator.DefaultCacheTTL)
	v.SetDefault("orchestrator.provider_shutdown_timeout", cfg.Orchestrator.ProviderShutdownTimeout)

	v.SetDefault("safety.blacklisted_tools", cfg.Safety.BlacklistedTools)
	v.SetDefault("safety.blacklisted_categories", cfg.Safety.BlacklistedCategories)
	v.SetDefault("safety.approval_categories", cfg.Safety.ApprovalCategories)
	v.SetDefault("safety.high_risk_threshold", cfg.Safety.HighRiskThreshold)
	v.SetDefault("safety.max_risk_level", cfg.Safety.MaxRiskLevel)
	v.SetDefault("safety.max_consecutive_failures", cfg.Safety.MaxConsecutiveFailures)
	v.SetDefault("safety.cooldown", cfg.Safety.Cooldown)
	v.SetDefault("safety.approval_timeout", cfg.Safety.ApprovalTimeout)
	v.SetDefault("safety.approval_mode", cfg.Safety.ApprovalMode)
	v.SetDefault("safety.allowlist_path", cfg.Safety.AllowlistPath)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.file_level", cfg.Logging.FileLevel)
	v.SetDefault("logging.caller", cfg.Logging.Caller)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.redact_patterns", cfg.Logging.RedactPatterns)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.shared_secret", cfg.Server.SharedSecret)
	v.SetDefault("server.rate_limit", cfg.Server.RateLimit)
	v.SetDefault("server.max_clients_per_ip", cfg.Server.MaxClientsPerIP)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)

	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("history.retention", cfg.History.Retention)

	v.SetDefault("audit.enabled", cfg.Audit.Enabled)
	v.SetDefault("audit.path", cfg.Audit.Path)

	v.SetDefault("hooks.enabled", cfg.Hooks.Enabled)

	v.SetDefault("maintenance.cache_sweep_schedule", cfg.Maintenance.CacheSweepSchedule)
	v.SetDefault("maintenance.record_prune_schedule", cfg.Maintenance.RecordPruneSchedule)
	v.SetDefault("maintenance.record_retention", cfg.Maintenance.RecordRetention)
	v.SetDefault("maintenance.history_prune_schedule", cfg.Maintenance.HistoryPruneSchedule)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.path", cfg.Tracing.Path)

	v.SetDefault("plugins.enabled", cfg.Plugins.Enabled)
	v.SetDefault("plugins.dirs", cfg.Plugins.Dirs)
	v.SetDefault("plugins.disabled", cfg.Plugins.Disabled)

	v.SetDefault("shell.enabled", cfg.Shell.Enabled)
	v.SetDefault("shell.runtime", string(cfg.Shell.Runtime))
	v.SetDefault("shell.allowed_commands", cfg.Shell.AllowedCommands)
	v.SetDefault("shell.allowed_paths", cfg.Shell.AllowedPaths)
	v.SetDefault("shell.denied_paths", cfg.Shell.DeniedPaths)
	v.SetDefault("shell.timeout", cfg.Shell.Timeout)
	v.SetDefault("shell.max_output_bytes", cfg.Shell.MaxOutputBytes)
	v.SetDefault("shell.risk_level", cfg.Shell.RiskLevel)
	v.SetDefault("shell.docker.image", cfg.Shell.Docker.Image)
	v.SetDefault("shell.docker.network", cfg.Shell.Docker.Network)
	v.SetDefault("shell.docker.memory_mb", cfg.Shell.Docker.MemoryMB)
	v.SetDefault("shell.docker.cpus", cfg.Shell.Docker.CPUs)
	v.SetDefault("shell.docker.pids_limit", cfg.Shell.Docker.PidsLimit)
	v.SetDefault("shell.docker.read_only", cfg.Shell.Docker.ReadOnly)
	v.SetDefault("shell.docker.user", cfg.Shell.Docker.User)
	v.SetDefault("shell.docker.cap_drop_all", cfg.Shell.Docker.CapDropAll)
	v.SetDefault("shell.docker.binary_path", cfg.Shell.Docker.BinaryPath)
}
