package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/toolhub/internal/daemon"
	"github.com/harun/toolhub/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the toolhub daemon in the foreground",
	Long: `Run the toolhub daemon: initialize every domain provider, start the
maintenance scheduler and serve the admin API until SIGINT or SIGTERM.
The safety policy and log level are reloaded when the config file changes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log,
		daemon.WithConfigLoader(loader),
		daemon.WithProviders(extraProviders...),
		daemon.WithApprovalIO(cmd.InOrStdin(), cmd.ErrOrStderr()),
	)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "toolhub listening on %s\n", d.Status().Addr)

	return d.Wait(ctx)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	return err == nil && daemon.ProcessAlive(pid)
}
