package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "toolhub.json")
	write := func(body string) {
		require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	}
	write(`{"data_dir": "` + tmpDir + `", "safety": {"max_consecutive_failures": 3}}`)

	var latest atomic.Int64
	watcher, err := NewWatcher(WatcherConfig{
		Loader:             NewLoader(configPath),
		StabilityThreshold: 20 * time.Millisecond,
		OnReload: func(cfg *Config) error {
			latest.Store(int64(cfg.Safety.MaxConsecutiveFailures))
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	write(`{"data_dir": "` + tmpDir + `", "safety": {"max_consecutive_failures": 9}}`)

	assert.Eventually(t, func() bool {
		return latest.Load() == 9
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "toolhub.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0o644))

	var calls atomic.Int32
	watcher, err := NewWatcher(WatcherConfig{
		Loader:             NewLoader(configPath),
		StabilityThreshold: 20 * time.Millisecond,
		OnReload: func(cfg *Config) error {
			calls.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`", "safety": {"cooldown": "-5s"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "other.json"), []byte(`{}`), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNewWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Loader: NewLoader("/tmp/toolhub.json")})
	assert.Error(t, err)

	_, err = NewWatcher(WatcherConfig{OnReload: func(*Config) error { return nil }})
	assert.Error(t, err)
}
