package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

func TestManagerTriggerExecutesHookScript(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "registered.txt")

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{
				ID:      "registered",
				Event:   "registered",
				Script:  "echo registered > " + outputPath,
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, manager.Trigger(context.Background(), "registered", nil))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "registered\n", string(content))
}

func TestManagerTriggerInjectsEventDataIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	hookScript := "echo \"$TOOLHUB_HOOK_EVENT:$TOOLHUB_HOOK_TOOL_ID:$TOOLHUB_HOOK_ERROR\" > " + outputPath

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "alert", Event: "execution-failed", Script: hookScript, Enabled: true},
		},
	})
	require.NoError(t, err)

	manager.HandleEvent(toolexecutor.Event{
		ID:        "evt-1",
		Type:      toolexecutor.EventExecutionFailed,
		Timestamp: time.Now(),
		ToolID:    "fs.read",
		Error:     "permission denied",
	})

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "execution-failed:fs.read:permission denied\n", string(content))
}

func TestManagerTriggerReturnsJoinedErrors(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "fail-1", Event: "execution-completed", Script: "exit 2", Enabled: true},
			{ID: "fail-2", Event: AnyEvent, Script: "exit 3", Enabled: true},
		},
	})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), "execution-completed", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook fail-1 failed")
	assert.Contains(t, err.Error(), "hook fail-2 failed")

	var exitErr interface{ ExitCode() int }
	assert.True(t, errors.As(err, &exitErr))
}

func TestManagerTriggerRespectsTimeout(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "timeout", Event: "execution-started", Script: "sleep 1", Enabled: true, Timeout: 30 * time.Millisecond},
		},
	})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), "execution-started", nil)
	require.Error(t, err)
	assert.True(t,
		strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
		"expected timeout-related error, got: %v",
		err,
	)
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name string
		hook Hook
	}{
		{name: "missing event", hook: Hook{ID: "a", Script: "true", Enabled: true}},
		{name: "unknown event", hook: Hook{ID: "b", Event: "daemon:startup", Script: "true", Enabled: true}},
		{name: "missing script", hook: Hook{ID: "c", Event: "registered", Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(Config{Enabled: true, Logger: zerolog.Nop(), Hooks: []Hook{tt.hook}})
			assert.Error(t, err)
		})
	}

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{ID: "off", Event: "bogus", Enabled: false}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, manager.Count())
}

func TestDisabledManagerIsNoop(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: false,
		Hooks:   []Hook{{ID: "x", Event: "registered", Script: "exit 1", Enabled: true}},
	})
	require.NoError(t, err)
	assert.NoError(t, manager.Trigger(context.Background(), "registered", nil))

	var nilManager *Manager
	assert.NoError(t, nilManager.Trigger(context.Background(), "registered", nil))
}

func TestManagerAttachRunsHooksForExecutorEvents(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "failed.txt")

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "on-fail", Event: "execution-failed", Script: "echo \"$TOOLHUB_HOOK_TOOL_ID\" >> " + outputPath, Enabled: true},
		},
	})
	require.NoError(t, err)

	te := toolexecutor.New(toolexecutor.DefaultConfig())
	detach := manager.Attach(te.Events())
	defer detach()

	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		ID:   "svc.flaky",
		Name: "Flaky",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("upstream unavailable")
		},
	}, "svc"))

	_, err = te.ExecuteTool(context.Background(), "svc.flaky", nil, nil, toolexecutor.ExecuteOptions{})
	require.ErrorIs(t, err, toolexecutor.ErrExecutionFailed)

	assert.Eventually(t, func() bool {
		content, err := os.ReadFile(outputPath)
		return err == nil && string(content) == "svc.flaky\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerToolPatternsFilterHooks(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "fs.txt")

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "fs-only", Event: AnyEvent, Tools: []string{"fs.*"}, Script: "echo \"$TOOLHUB_HOOK_TOOL_ID\" >> " + outputPath, Enabled: true},
		},
	})
	require.NoError(t, err)

	for _, tool := range []string{"fs.read", "net.fetch", "fs.write"} {
		manager.HandleEvent(toolexecutor.Event{Type: toolexecutor.EventExecutionCompleted, ToolID: tool, Timestamp: time.Now()})
	}
	manager.HandleEvent(toolexecutor.Event{Type: toolexecutor.EventCircuitStateChanged, Domain: "fs", Timestamp: time.Now()})

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "fs.read\nfs.write\n", string(content))
}

func TestManagerHandleEventWritesPayloadToStdin(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "payload.json")

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{ID: "dump", Event: "execution-completed", Script: "cat > " + outputPath, Enabled: true}},
	})
	require.NoError(t, err)

	manager.HandleEvent(toolexecutor.Event{
		ID:          "evt-7",
		Type:        toolexecutor.EventExecutionCompleted,
		Timestamp:   time.Now(),
		ToolID:      "math.add",
		ExecutionID: "exec-1",
	})

	raw, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var got toolexecutor.Event
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "evt-7", got.ID)
	assert.Equal(t, "math.add", got.ToolID)
	assert.Equal(t, "exec-1", got.ExecutionID)
}

func TestNewManagerRejectsBadToolPattern(t *testing.T) {
	_, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{ID: "bad", Event: "registered", Tools: []string{"fs.["}, Script: "true", Enabled: true}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tool pattern")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "TOOL_ID", envKey("tool_id"))
	assert.Equal(t, "FROM_STATE", envKey(" from-state "))
	assert.Equal(t, "UNKNOWN", envKey(""))
}
