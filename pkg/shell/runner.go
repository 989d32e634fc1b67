package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// Request is a single command invocation.
type Request struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Stdin      []byte
}

// Result captures the outcome of a command that ran to completion.
type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// ExitError is returned when a command exits with a non-zero status. The
// captured output stays available to the caller.
type ExitError struct {
	Result Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command exited with code %d", e.Result.ExitCode)
	if tail := lastLine(e.Result.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Runner executes a Request somewhere.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// NewRunner returns the runner for cfg.Runtime.
func NewRunner(cfg Config) (Runner, error) {
	switch cfg.Runtime {
	case RuntimeHost, "":
		return &hostRunner{maxOutput: cfg.MaxOutputBytes}, nil
	case RuntimeDocker:
		return &dockerRunner{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRuntime, cfg.Runtime)
	}
}

type hostRunner struct {
	maxOutput int
}

func (h *hostRunner) Run(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = hostEnv(req.Env)
	return run(ctx, cmd, req, h.maxOutput)
}

// hostEnv builds a minimal environment; toolhub's own variables are not
// inherited.
func hostEnv(env map[string]string) []string {
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
	}
	for _, key := range sortedKeys(env) {
		result = append(result, key+"="+env[key])
	}
	return result
}

type dockerRunner struct {
	cfg Config
}

func (d *dockerRunner) Run(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, d.binary(), d.runArgs(req)...)
	return run(ctx, cmd, req, d.cfg.MaxOutputBytes)
}

func (d *dockerRunner) binary() string {
	if d.cfg.Docker.BinaryPath != "" {
		return d.cfg.Docker.BinaryPath
	}
	return "docker"
}

// ping checks that the docker CLI can reach a daemon.
func (d *dockerRunner) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.binary(), "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrDockerUnavailable, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *dockerRunner) runArgs(req Request) []string {
	cfg := d.cfg.Docker
	args := []string{"run", "--rm", "--init"}

	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if cfg.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.CPUs, 'f', 2, 64))
	}
	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	if cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(cfg.PidsLimit))
	}
	if cfg.ReadOnly {
		args = append(args, "--read-only")
	}
	if user := strings.TrimSpace(cfg.User); user != "" {
		args = append(args, "--user", user)
	}
	if cfg.CapDropAll {
		args = append(args, "--cap-drop", "ALL", "--security-opt", "no-new-privileges")
	}

	mode := "rw"
	if cfg.ReadOnly {
		mode = "ro"
	}
	mounts := map[string]struct{}{}
	if req.WorkingDir != "" {
		mounts[filepath.Clean(req.WorkingDir)] = struct{}{}
	}
	for _, p := range d.cfg.AllowedPaths {
		mounts[filepath.Clean(p)] = struct{}{}
	}
	for _, p := range sortedKeys(mounts) {
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", p, p, mode))
	}
	if req.WorkingDir != "" {
		args = append(args, "-w", filepath.Clean(req.WorkingDir))
	}

	for _, key := range sortedKeys(req.Env) {
		args = append(args, "-e", key+"="+req.Env[key])
	}
	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}

	args = append(args, cfg.Image, req.Command)
	return append(args, req.Args...)
}

func run(ctx context.Context, cmd *exec.Cmd, req Request, maxOutput int) (Result, error) {
	stdout := &limitedBuffer{limit: maxOutput}
	stderr := &limitedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		err = &ExitError{Result: result}
	default:
		result.ExitCode = -1
		err = fmt.Errorf("start %s: %w", req.Command, err)
	}

	logger := toolexecutor.HandlerLogger(ctx)
	logger.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Bool("truncated", result.Truncated).
		Msg("Shell command finished")

	return result, err
}

// limitedBuffer keeps the first limit bytes written and discards the rest
// without failing the writer. A zero limit keeps everything.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string { return b.buf.String() }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
