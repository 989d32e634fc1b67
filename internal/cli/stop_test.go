package cli

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/internal/daemon"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := runCLI(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Stop the toolhub daemon service")
		assert.Contains(t, out, "timeout")
	})

	t.Run("fails when nothing runs", func(t *testing.T) {
		path := writeTestConfig(t, nil)

		_, err := runCLI(t, "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("removes a stale PID file", func(t *testing.T) {
		path := writeTestConfig(t, nil)
		pidFile := daemon.PIDFilePath(filepath.Dir(path))
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0o644))

		_, err := runCLI(t, "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale")

		_, statErr := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestWaitForExit(t *testing.T) {
	assert.True(t, waitForExit(context.Background(), 999999999, time.Second))

	start := time.Now()
	assert.False(t, waitForExit(context.Background(), os.Getpid(), 150*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, waitForExit(ctx, os.Getpid(), time.Minute))
}

func TestLivePID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), daemon.PIDFileName)

	_, err := livePID(pidFile)
	assert.ErrorIs(t, err, errNotRunning)

	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
	pid, err := livePID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
