package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolhub/internal/daemon"
)

var (
	stopTimeout time.Duration
	stopForce   bool
)

// errNotRunning is returned when there is no live daemon to stop.
var errNotRunning = errors.New("daemon is not running")

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the toolhub daemon service",
	Long: `Stop the toolhub daemon service gracefully.
Sends SIGTERM and waits up to --timeout for in-flight executions to drain,
then falls back to SIGKILL. --force skips the graceful phase.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait for the daemon to stop")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "send SIGKILL immediately")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := livePID(pidFile)
	if err != nil {
		return err
	}

	if !stopForce {
		if err := sendSignal(pid, syscall.SIGTERM); err != nil {
			return err
		}
		fmt.Fprintf(out, "Sent SIGTERM to %d, waiting up to %s\n", pid, stopTimeout)
		if waitForExit(cmd.Context(), pid, stopTimeout) {
			fmt.Fprintln(out, "Daemon stopped successfully")
			return nil
		}
		fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	}

	if err := sendSignal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	// a killed daemon cannot clean up after itself
	_ = os.Remove(pidFile)
	fmt.Fprintln(out, "Daemon killed")
	return nil
}

// livePID returns the pid recorded in pidFile if that process is alive. A
// stale PID file is removed.
func livePID(pidFile string) (int, error) {
	pid, err := daemon.ReadPID(pidFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, errNotRunning
	case err != nil:
		return 0, err
	case !daemon.ProcessAlive(pid):
		_ = os.Remove(pidFile)
		return 0, fmt.Errorf("%w (removed stale PID file)", errNotRunning)
	}
	return pid, nil
}

func sendSignal(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %v: %w", sig, err)
	}
	return nil
}

// waitForExit polls until pid is gone, timeout passes or ctx ends, and
// reports whether the process exited.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !daemon.ProcessAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !daemon.ProcessAlive(pid)
		case <-ticker.C:
		}
	}
}
