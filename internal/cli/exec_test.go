package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "empty", want: map[string]interface{}{}},
		{name: "json object", raw: `{"a":1,"b":"x"}`, want: map[string]interface{}{"a": float64(1), "b": "x"}},
		{name: "pairs decode json values", pairs: []string{"n=3", "ok=true", "s=hello"},
			want: map[string]interface{}{"n": float64(3), "ok": true, "s": "hello"}},
		{name: "pairs override json", raw: `{"a":1}`, pairs: []string{"a=2"}, want: map[string]interface{}{"a": float64(2)}},
		{name: "value may contain equals", pairs: []string{"q=a=b"}, want: map[string]interface{}{"q": "a=b"}},
		{name: "not an object", raw: `[1,2]`, wantErr: true},
		{name: "missing equals", pairs: []string{"novalue"}, wantErr: true},
		{name: "empty key", pairs: []string{"=v"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.raw, tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecCommand(t *testing.T) {
	path := writeTestConfig(t, nil)
	withProvider(t, opsProvider())

	t.Run("runs a tool", func(t *testing.T) {
		out, err := runCLI(t, "exec", "system.echo", "--config", path, "--param", "message=hello", "-o", "json")
		require.NoError(t, err)

		var outcome execOutcome
		require.NoError(t, json.Unmarshal([]byte(out), &outcome))
		assert.Equal(t, "system.echo", outcome.ToolID)
		assert.Equal(t, "system", outcome.Domain)
		assert.NotEmpty(t, outcome.ExecutionID)
		assert.Equal(t, map[string]interface{}{"message": "hello"}, outcome.Output)
	})

	t.Run("table output", func(t *testing.T) {
		out, err := runCLI(t, "exec", "system.echo", "--config", path, "--params", `{"message":"hi"}`)
		require.NoError(t, err)
		assert.Contains(t, out, "Tool:")
		assert.Contains(t, out, `"message": "hi"`)
	})

	t.Run("schema violations are rejected", func(t *testing.T) {
		_, err := runCLI(t, "exec", "system.echo", "--config", path)
		assert.ErrorIs(t, err, toolexecutor.ErrInvalidParameters)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := runCLI(t, "exec", "nope.missing", "--config", path)
		assert.ErrorIs(t, err, toolexecutor.ErrToolNotFound)
	})

	t.Run("deny mode refuses gated tools", func(t *testing.T) {
		_, err := runCLI(t, "exec", "ops.restart", "--config", path, "--approve", "deny")
		assert.ErrorIs(t, err, toolexecutor.ErrApprovalDenied)
	})

	t.Run("auto mode runs gated tools", func(t *testing.T) {
		out, err := runCLI(t, "exec", "ops.restart", "--config", path, "--approve", "auto", "-p", "service=api", "-o", "json")
		require.NoError(t, err)
		assert.Contains(t, out, `"restarted": "api"`)
	})

	t.Run("prompt mode reads the answer from stdin", func(t *testing.T) {
		_, err := runCLIWithInput(t, "y\n", "exec", "ops.restart", "--config", path, "-p", "service=db")
		assert.NoError(t, err)

		_, err = runCLIWithInput(t, "n\n", "exec", "ops.restart", "--config", path, "-p", "service=db")
		assert.ErrorIs(t, err, toolexecutor.ErrApprovalDenied)
	})

	t.Run("invalid approve flag", func(t *testing.T) {
		_, err := runCLI(t, "exec", "system.echo", "--config", path, "--approve", "maybe")
		assert.Error(t, err)
	})
}
