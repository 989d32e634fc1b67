package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/toolhub/pkg/builtin"
	"github.com/harun/toolhub/pkg/plugin"
	"github.com/harun/toolhub/pkg/shell"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

// DomainProviders returns the providers enabled by the configuration: the
// system domain always, the shell domain when shell.enabled is set and one
// provider per loadable plugin when plugins.enabled is set. Plugin
// processes are started later by the executor's Initialize.
func (c *Config) DomainProviders(hostVersion string, logger zerolog.Logger) ([]toolexecutor.DomainProvider, error) {
	providers := []toolexecutor.DomainProvider{builtin.NewProvider()}

	if c.Shell.Enabled {
		p, err := shell.NewProvider(c.Shell)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if c.Plugins.Enabled {
		loaded, err := plugin.Load(c.Plugins, hostVersion, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load plugins: %w", err)
		}
		for _, p := range loaded.Providers {
			providers = append(providers, p)
		}
	}

	return providers, nil
}
