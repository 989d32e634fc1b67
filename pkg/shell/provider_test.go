package shell

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func hostProvider(t *testing.T, mutate func(*Config)) *Provider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	return p
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Runtime = "vm"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidRuntime)

	cfg = DefaultConfig()
	cfg.Runtime = RuntimeDocker
	cfg.Docker.Image = " "
	assert.ErrorIs(t, cfg.Validate(), ErrDockerImageRequired)

	cfg = DefaultConfig()
	cfg.AllowedPaths = []string{"relative/dir"}
	cfg.RiskLevel = 11
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
	assert.Contains(t, err.Error(), "risk_level")
}

func TestCheckPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedPaths = []string{"/srv/work"}

	tests := []struct {
		path    string
		allowed bool
	}{
		{"", true},
		{"/srv/work", true},
		{"/srv/work/a/b", true},
		{"/srv/workshop", false},
		{"/srv/work/../../etc", false},
		{"/etc", false},
		{"relative", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := cfg.checkPath(tt.path)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrPathDenied)
			}
		})
	}
}

func TestCheckCommand(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.checkCommand("ls"))
	assert.ErrorIs(t, cfg.checkCommand("  "), ErrCommandNotAllowed)

	cfg.AllowedCommands = []string{"echo", "/usr/bin/env"}
	assert.NoError(t, cfg.checkCommand("echo"))
	assert.NoError(t, cfg.checkCommand("/bin/echo"))
	assert.NoError(t, cfg.checkCommand("/usr/bin/env"))
	assert.ErrorIs(t, cfg.checkCommand("rm"), ErrCommandNotAllowed)
}

func TestProviderTools(t *testing.T) {
	p := hostProvider(t, nil)
	assert.Equal(t, Domain, p.Domain())

	tools := p.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "shell.exec", tools[0].ID)
	assert.True(t, tools[0].RequiresApproval)
	assert.Equal(t, 8, tools[0].RiskLevel)
	assert.Equal(t, "shell.which", tools[1].ID)
	assert.True(t, tools[1].Cacheable)

	cfg := DefaultConfig()
	cfg.Runtime = RuntimeDocker
	docker, err := NewProvider(cfg)
	require.NoError(t, err)
	require.Len(t, docker.Tools(), 1)
}

func TestExec(t *testing.T) {
	requireSh(t)
	p := hostProvider(t, nil)
	dir := t.TempDir()

	t.Run("captures output", func(t *testing.T) {
		out, err := p.exec(context.Background(), map[string]interface{}{
			"command": "sh",
			"args":    []interface{}{"-c", "echo out; echo err >&2"},
		})
		require.NoError(t, err)
		res := out.(Result)
		assert.Equal(t, "out\n", res.Stdout)
		assert.Equal(t, "err\n", res.Stderr)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("stdin env and working dir", func(t *testing.T) {
		out, err := p.exec(context.Background(), map[string]interface{}{
			"command":     "sh",
			"args":        []interface{}{"-c", `cat; echo "$GREETING"; pwd`},
			"stdin":       "from stdin\n",
			"env":         map[string]interface{}{"GREETING": "hello"},
			"working_dir": dir,
		})
		require.NoError(t, err)
		assert.Equal(t, "from stdin\nhello\n"+dir+"\n", out.(Result).Stdout)
	})

	t.Run("does not inherit the process environment", func(t *testing.T) {
		t.Setenv("TOOLHUB_SECRET_PROBE", "leak")
		out, err := p.exec(context.Background(), map[string]interface{}{
			"command": "sh",
			"args":    []interface{}{"-c", `echo "[$TOOLHUB_SECRET_PROBE]"`},
		})
		require.NoError(t, err)
		assert.Equal(t, "[]\n", out.(Result).Stdout)
	})

	t.Run("working dir from execution context", func(t *testing.T) {
		ctx := toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{WorkingDir: dir})
		out, err := p.exec(ctx, map[string]interface{}{"command": "pwd"})
		require.NoError(t, err)
		assert.Equal(t, dir+"\n", out.(Result).Stdout)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, err := p.exec(context.Background(), map[string]interface{}{
			"command": "sh",
			"args":    []interface{}{"-c", "echo boom >&2; exit 3"},
		})
		var exitErr *ExitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 3, exitErr.Result.ExitCode)
		assert.Equal(t, "command exited with code 3: boom", err.Error())
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := p.exec(context.Background(), map[string]interface{}{"command": "definitely-not-a-real-binary"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "start definitely-not-a-real-binary")
	})

	t.Run("denied working dir", func(t *testing.T) {
		_, err := p.exec(context.Background(), map[string]interface{}{"command": "ls", "working_dir": "/etc"})
		assert.ErrorIs(t, err, ErrPathDenied)
	})

	t.Run("bad args", func(t *testing.T) {
		_, err := p.exec(context.Background(), map[string]interface{}{"command": "ls", "args": []interface{}{1}})
		assert.Error(t, err)
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := p.exec(ctx, map[string]interface{}{"command": "sleep", "args": []interface{}{"5"}})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestExecAllowlistAndTruncation(t *testing.T) {
	requireSh(t)
	p := hostProvider(t, func(c *Config) {
		c.AllowedCommands = []string{"sh"}
		c.MaxOutputBytes = 8
	})

	_, err := p.exec(context.Background(), map[string]interface{}{"command": "ls"})
	assert.ErrorIs(t, err, ErrCommandNotAllowed)

	out, err := p.exec(context.Background(), map[string]interface{}{
		"command": "sh",
		"args":    []interface{}{"-c", "echo 0123456789abcdef"},
	})
	require.NoError(t, err)
	res := out.(Result)
	assert.Equal(t, "01234567", res.Stdout)
	assert.True(t, res.Truncated)
}

func TestWhich(t *testing.T) {
	requireSh(t)
	p := hostProvider(t, nil)

	out, err := p.which(context.Background(), map[string]interface{}{"command": "sh"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.(map[string]interface{})["path"].(string), "/sh"))

	_, err = p.which(context.Background(), map[string]interface{}{"command": "definitely-not-a-real-binary"})
	assert.Error(t, err)
}

func TestExecThroughExecutor(t *testing.T) {
	requireSh(t)
	p := hostProvider(t, nil)

	te := toolexecutor.New(toolexecutor.DefaultConfig(),
		toolexecutor.WithProviders(p),
		toolexecutor.WithApprovalHandler(toolexecutor.AutoApproveHandler{}))
	require.NoError(t, te.Initialize(context.Background()))
	t.Cleanup(func() { _ = te.Shutdown(context.Background()) })

	res, err := te.ExecuteTool(context.Background(), "shell.exec",
		map[string]interface{}{"command": "sh", "args": []interface{}{"-c", "echo hi"}},
		&toolexecutor.ExecutionContext{AgentID: "test"}, toolexecutor.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Output.(Result).Stdout)

	_, err = te.ExecuteTool(context.Background(), "shell.exec",
		map[string]interface{}{"command": "sh", "extra": true},
		&toolexecutor.ExecutionContext{}, toolexecutor.ExecuteOptions{})
	assert.ErrorIs(t, err, toolexecutor.ErrInvalidParameters)
}

func TestDockerRunArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime = RuntimeDocker
	cfg.AllowedPaths = []string{"/srv/data"}
	cfg.Docker.User = "1000:1000"

	d := &dockerRunner{cfg: cfg}
	args := d.runArgs(Request{
		Command:    "ls",
		Args:       []string{"-la"},
		WorkingDir: "/srv/data/sub/",
		Env:        map[string]string{"B": "2", "A": "1"},
		Stdin:      []byte("x"),
	})

	assert.Equal(t, []string{
		"run", "--rm", "--init",
		"--network", "none",
		"--cpus", "1.00",
		"--memory", "256m",
		"--pids-limit", "64",
		"--read-only",
		"--user", "1000:1000",
		"--cap-drop", "ALL", "--security-opt", "no-new-privileges",
		"-v", "/srv/data:/srv/data:ro",
		"-v", "/srv/data/sub:/srv/data/sub:ro",
		"-w", "/srv/data/sub",
		"-e", "A=1", "-e", "B=2",
		"-i",
		"alpine:3.20", "ls", "-la",
	}, args)
}

func TestDockerUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime = RuntimeDocker
	cfg.Docker.BinaryPath = "/nonexistent/docker"

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Initialize(context.Background()), ErrDockerUnavailable)
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Write([]byte("cdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, _ = b.Write([]byte("g"))
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.truncated)

	unlimited := &limitedBuffer{}
	_, _ = unlimited.Write([]byte("everything"))
	assert.Equal(t, "everything", unlimited.String())
	assert.False(t, unlimited.truncated)
}
