// Package shell provides the "shell" domain: approval-gated command
// execution on the host or inside ephemeral Docker containers.
package shell

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Runtime selects where commands run.
type Runtime string

const (
	// RuntimeHost runs commands as child processes of toolhub.
	RuntimeHost Runtime = "host"
	// RuntimeDocker runs each command in a fresh `docker run --rm` container.
	RuntimeDocker Runtime = "docker"
)

var (
	ErrInvalidRuntime      = errors.New("invalid shell runtime")
	ErrCommandNotAllowed   = errors.New("command not allowed")
	ErrPathDenied          = errors.New("filesystem access denied")
	ErrDockerImageRequired = errors.New("docker image is required for docker runtime")
	ErrDockerUnavailable   = errors.New("docker is not available")
)

// Config configures the shell domain.
type Config struct {
	Enabled bool    `json:"enabled" mapstructure:"enabled"`
	Runtime Runtime `json:"runtime" mapstructure:"runtime"`

	// AllowedCommands restricts which executables may run, matched against
	// the command as given and its base name. Empty allows any command.
	AllowedCommands []string `json:"allowed_commands" mapstructure:"allowed_commands"`
	AllowedPaths    []string `json:"allowed_paths" mapstructure:"allowed_paths"`
	DeniedPaths     []string `json:"denied_paths" mapstructure:"denied_paths"`

	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxOutputBytes int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	RiskLevel      int           `json:"risk_level" mapstructure:"risk_level"`

	Docker DockerConfig `json:"docker" mapstructure:"docker"`
}

// DockerConfig holds container limits for RuntimeDocker.
type DockerConfig struct {
	Image      string  `json:"image" mapstructure:"image"`
	Network    string  `json:"network" mapstructure:"network"`
	MemoryMB   int     `json:"memory_mb" mapstructure:"memory_mb"`
	CPUs       float64 `json:"cpus" mapstructure:"cpus"`
	PidsLimit  int     `json:"pids_limit" mapstructure:"pids_limit"`
	ReadOnly   bool    `json:"read_only" mapstructure:"read_only"`
	User       string  `json:"user" mapstructure:"user"`
	CapDropAll bool    `json:"cap_drop_all" mapstructure:"cap_drop_all"`
	BinaryPath string  `json:"binary_path" mapstructure:"binary_path"`
}

// DefaultConfig returns a disabled host configuration.
func DefaultConfig() Config {
	return Config{
		Runtime:        RuntimeHost,
		DeniedPaths:    []string{"/etc", "/proc", "/sys", "/root/.ssh"},
		Timeout:        30 * time.Second,
		MaxOutputBytes: 64 * 1024,
		RiskLevel:      8,
		Docker: DockerConfig{
			Image:      "alpine:3.20",
			Network:    "none",
			MemoryMB:   256,
			CPUs:       1,
			PidsLimit:  64,
			ReadOnly:   true,
			CapDropAll: true,
			BinaryPath: "docker",
		},
	}
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error

	switch c.Runtime {
	case RuntimeHost:
	case RuntimeDocker:
		if strings.TrimSpace(c.Docker.Image) == "" {
			errs = append(errs, ErrDockerImageRequired)
		}
		if c.Docker.MemoryMB < 0 || c.Docker.CPUs < 0 || c.Docker.PidsLimit < 0 {
			errs = append(errs, fmt.Errorf("docker limits must be >= 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidRuntime, c.Runtime))
	}

	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be >= 0"))
	}
	if c.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("max_output_bytes must be >= 0"))
	}
	if c.RiskLevel < 0 || c.RiskLevel > 10 {
		errs = append(errs, fmt.Errorf("risk_level must be between 0 and 10"))
	}
	for _, p := range append(append([]string{}, c.AllowedPaths...), c.DeniedPaths...) {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("path %q must be absolute", p))
		}
	}

	return errors.Join(errs...)
}

func (c Config) checkCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrCommandNotAllowed)
	}
	if len(c.AllowedCommands) == 0 {
		return nil
	}
	base := filepath.Base(command)
	for _, allowed := range c.AllowedCommands {
		if allowed == command || allowed == base {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCommandNotAllowed, command)
}

// checkPath applies the denied list first, then the allowed list when set.
func (c Config) checkPath(path string) error {
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s is not absolute", ErrPathDenied, path)
	}

	clean := filepath.Clean(path)
	for _, denied := range c.DeniedPaths {
		if within(clean, denied) {
			return fmt.Errorf("%w: %s", ErrPathDenied, path)
		}
	}
	if len(c.AllowedPaths) == 0 {
		return nil
	}
	for _, allowed := range c.AllowedPaths {
		if within(clean, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPathDenied, path)
}

func within(path, root string) bool {
	root = filepath.Clean(root)
	if path == root || root == "/" {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
