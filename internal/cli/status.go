package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolhub/internal/config"
	"github.com/harun/toolhub/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the toolhub daemon service.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status           string `json:"status"`
	Tools            int    `json:"tools"`
	ActiveExecutions int    `json:"active_executions"`
	Clients          int    `json:"clients"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	info, err := daemon.ReadPIDInfo(pidFile)
	if err != nil || !daemon.ProcessAlive(info.PID) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", info.PID)
	if info.Version != "" {
		fmt.Fprintf(out, "Version: %s\n", info.Version)
	}
	started := info.StartedAt
	if started.IsZero() {
		if st, err := os.Stat(pidFile); err == nil {
			started = st.ModTime()
		}
	}
	if !started.IsZero() {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(started)))
	}

	health, err := fetchHealth(cfg)
	if err != nil {
		fmt.Fprintf(out, "Admin API: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Admin API: %s (%s)\n", health.Status, serverBaseURL(cfg))
	fmt.Fprintf(out, "Tools: %d\n", health.Tools)
	fmt.Fprintf(out, "Active executions: %d\n", health.ActiveExecutions)
	fmt.Fprintf(out, "Connected clients: %d\n", health.Clients)

	return nil
}

func fetchHealth(cfg *config.Config) (healthReport, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverBaseURL(cfg) + "/healthz")
	if err != nil {
		return healthReport{}, err
	}
	defer resp.Body.Close()

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return healthReport{}, fmt.Errorf("invalid health response: %w", err)
	}
	return report, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
