package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/internal/config"
	"github.com/harun/toolhub/internal/logger"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.Port = 0
	cfg.History.Enabled = false
	return cfg
}

// createTestDaemon builds a daemon on an ephemeral port with a quiet logger.
func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log, opts...)
	require.NoError(t, err)
	return d
}

func stopDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestNew(t *testing.T) {
	t.Run("wires the default components", func(t *testing.T) {
		d := createTestDaemon(t, testConfig(t))

		assert.NotNil(t, d.Executor())
		assert.NotNil(t, d.Gateway())
		assert.NotNil(t, d.lifecycle)
		assert.NotNil(t, d.scheduler)
		assert.Nil(t, d.History())
		assert.Nil(t, d.Approvals())
		assert.Nil(t, d.watcher)
	})

	t.Run("queue mode exposes the approval queue", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Safety.ApprovalMode = config.ApprovalModeQueue

		d := createTestDaemon(t, cfg)
		assert.NotNil(t, d.Approvals())
	})

	t.Run("rejects missing arguments", func(t *testing.T) {
		_, err := New(nil, nil)
		assert.Error(t, err)
	})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start(context.Background()))

	status = d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)
	assert.Contains(t, status.Domains, "system")
	assert.Equal(t, 3, status.Tools)
	assert.NotEmpty(t, status.Jobs)

	_, err := os.Stat(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)

	resp, err := http.Get("http://" + status.Addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post("http://"+status.Addr+"/v1/tools/system.echo/execute", "application/json",
		strings.NewReader(`{"params":{"message":"hi"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Error(t, d.Start(context.Background()))

	stopDaemon(t, d)

	assert.False(t, d.Status().Running)
	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop(context.Background()))
}

func TestDaemonProviderFailureAbortsStart(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg, WithProviders(&toolexecutor.StaticProvider{
		Name: "broken",
		InitFunc: func(context.Context) error {
			return errors.New("no credentials")
		},
	}))

	err := d.Start(context.Background())
	require.Error(t, err)

	var providerErr *toolexecutor.ProviderError
	assert.True(t, errors.As(err, &providerErr))
	assert.False(t, d.Status().Running)

	_, statErr := os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(statErr))

	// system tools from the built-in provider are rolled back too.
	assert.Nil(t, d.Executor().GetTool("system.echo"))
}

func TestDaemonRecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = true
	d := createTestDaemon(t, cfg)
	require.NotNil(t, d.History())

	require.NoError(t, d.Start(context.Background()))
	defer stopDaemon(t, d)

	result, err := d.Executor().ExecuteTool(context.Background(), "system.echo",
		map[string]interface{}{"message": "hello"}, nil, toolexecutor.ExecuteOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		entry, err := d.History().Get(context.Background(), result.ExecutionID)
		return err == nil && entry.Status == toolexecutor.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDaemonWritesAuditLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = true
	cfg.Safety.ApprovalMode = config.ApprovalModeDeny
	d := createTestDaemon(t, cfg, WithProviders(&toolexecutor.StaticProvider{
		Name: "ops",
		ToolList: []toolexecutor.ToolDefinition{{
			ID:               "ops.restart",
			Name:             "restart",
			RequiresApproval: true,
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return "restarted", nil
			},
		}},
	}))

	require.NoError(t, d.Start(context.Background()))

	_, err := d.Executor().ExecuteTool(context.Background(), "ops.restart", nil, nil, toolexecutor.ExecuteOptions{})
	require.ErrorIs(t, err, toolexecutor.ErrApprovalDenied)
	_, err = d.Executor().ExecuteTool(context.Background(), "system.echo",
		map[string]interface{}{"message": "hi"}, nil, toolexecutor.ExecuteOptions{})
	require.NoError(t, err)

	stopDaemon(t, d)

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "audit.log"))
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, `"action":"approve:ops.restart"`)
	assert.Contains(t, log, `"status":"denied"`)
	assert.Contains(t, log, `"action":"execute:system.echo"`)
}

func TestDaemonQueuedApproval(t *testing.T) {
	cfg := testConfig(t)
	cfg.Safety.ApprovalMode = config.ApprovalModeQueue
	d := createTestDaemon(t, cfg, WithProviders(&toolexecutor.StaticProvider{
		Name: "ops",
		ToolList: []toolexecutor.ToolDefinition{{
			ID:               "ops.restart",
			Name:             "restart",
			RequiresApproval: true,
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return "restarted", nil
			},
		}},
	}))

	require.NoError(t, d.Start(context.Background()))
	defer stopDaemon(t, d)

	done := make(chan error, 1)
	go func() {
		_, err := d.Executor().ExecuteTool(context.Background(), "ops.restart", nil, nil, toolexecutor.ExecuteOptions{})
		done <- err
	}()

	var pending []toolexecutor.PendingApproval
	require.Eventually(t, func() bool {
		pending = d.Approvals().Pending()
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ops.restart", pending[0].Request.ToolID)

	require.NoError(t, d.Approvals().Resolve(pending[0].ID, toolexecutor.ApprovalActionAllowOnce, "tester"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not resume after approval")
	}
}

func TestDaemonReload(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	next := testConfig(t)
	next.Safety.BlacklistedTools = []string{"system.sleep"}
	next.Logging.Level = "error"

	require.NoError(t, d.reload(next))

	assert.Equal(t, []string{"system.sleep"}, d.Executor().SafetyPolicy().BlacklistedTools)
	assert.Equal(t, []string{"system.sleep"}, d.GetConfig().Safety.BlacklistedTools)
	assert.Equal(t, "error", d.GetConfig().Logging.Level)
}

func TestDaemonWaitStopsOnContext(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Wait(ctx))
	assert.False(t, d.Status().Running)
}
