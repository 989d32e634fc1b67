package plugin

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// Config controls plugin loading.
type Config struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Dirs    []string `json:"dirs" mapstructure:"dirs"`
	// Disabled lists plugin IDs that are discovered but not loaded.
	Disabled []string `json:"disabled" mapstructure:"disabled"`
	// Settings overrides manifest config per plugin ID.
	Settings map[string]map[string]any `json:"settings" mapstructure:"settings"`
}

// LoadResult reports what Load did with every discovered plugin.
type LoadResult struct {
	Providers []*Provider
	Skipped   map[string]string
}

// Load discovers plugins under cfg.Dirs and returns providers in dependency
// order. Invalid, disabled and incompatible plugins are skipped and
// reported; only a dependency cycle fails the load. The returned providers
// are not started.
func Load(cfg Config, hostVersion string, logger zerolog.Logger) (*LoadResult, error) {
	result := &LoadResult{Skipped: make(map[string]string)}
	if !cfg.Enabled {
		return result, nil
	}

	loader := NewManifestLoader(logger)
	manifests := make(map[string]*Manifest)
	dirs := make(map[string]string)

	for _, found := range NewDiscovery(logger).Discover(cfg.Dirs...) {
		manifest, err := loader.LoadManifest(found.ManifestPath)
		if err != nil {
			result.Skipped[found.ID] = err.Error()
			continue
		}
		id := manifest.ID
		switch {
		case slices.Contains(cfg.Disabled, id):
			result.Skipped[id] = "disabled"
		case manifests[id] != nil:
			result.Skipped[found.Path] = fmt.Sprintf("duplicate plugin id %s (already loaded from %s)", id, dirs[id])
		default:
			if err := manifest.CheckHostVersion(hostVersion); err != nil {
				result.Skipped[id] = err.Error()
				continue
			}
			manifests[id] = manifest
			dirs[id] = found.Path
		}
	}

	order, rejected, err := ResolveOrder(manifests)
	if err != nil {
		return nil, err
	}
	for id, rerr := range rejected {
		result.Skipped[id] = rerr.Error()
	}

	domains := make(map[string]string)
	for _, id := range order {
		m := manifests[id]
		if owner, taken := domains[m.DomainName()]; taken {
			result.Skipped[id] = fmt.Sprintf("domain %s already provided by plugin %s", m.DomainName(), owner)
			continue
		}
		domains[m.DomainName()] = id
		result.Providers = append(result.Providers, NewProvider(*m, dirs[id], cfg.Settings[id], logger))
	}

	for id, reason := range result.Skipped {
		logger.Warn().Str("plugin", id).Str("reason", reason).Msg("Plugin skipped")
	}
	logger.Info().
		Int("loaded", len(result.Providers)).
		Int("skipped", len(result.Skipped)).
		Msg("Plugins resolved")

	return result, nil
}
