package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainProviders(t *testing.T) {
	cfg := DefaultConfig()

	providers, err := cfg.DomainProviders("0.1.0", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "system", providers[0].Domain())

	cfg.Shell.Enabled = true
	providers, err = cfg.DomainProviders("0.1.0", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "shell", providers[1].Domain())

	cfg.Shell.Runtime = "vm"
	_, err = cfg.DomainProviders("0.1.0", zerolog.Nop())
	assert.Error(t, err)
}

func TestDomainProvidersLoadsPlugins(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "weather")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw, err := json.Marshal(map[string]any{
		"id": "weather", "name": "Weather", "version": "1.0.0", "main": "weather-plugin",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), raw, 0o644))

	cfg := DefaultConfig()
	cfg.Plugins.Enabled = true
	cfg.Plugins.Dirs = []string{root}

	providers, err := cfg.DomainProviders("0.1.0", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "weather", providers[1].Domain())
}
