package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/toolhub/internal/version"
	"github.com/harun/toolhub/pkg/plugin"
)

var pluginsOutput string

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect out-of-process tool plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered plugins and why any were skipped",
	Long: `List resolves plugin manifests the same way the daemon does, without
starting any plugin process.`,
	Args: cobra.NoArgs,
	RunE: runPluginsList,
}

func init() {
	pluginsListCmd.Flags().StringVarP(&pluginsOutput, "output", "o", outputTable, "output format (table, json, yaml)")
	pluginsCmd.AddCommand(pluginsListCmd)
	rootCmd.AddCommand(pluginsCmd)
}

type pluginSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Path    string `json:"path,omitempty"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	setupCommandLogging()

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Plugins.Enabled {
		fmt.Fprintln(cmd.OutOrStdout(), "Plugins are disabled (set plugins.enabled to turn them on)")
		return nil
	}

	res, err := plugin.Load(cfg.Plugins, version.Version, log.Logger)
	if err != nil {
		return err
	}

	summaries := make([]pluginSummary, 0, len(res.Providers)+len(res.Skipped))
	for _, p := range res.Providers {
		m := p.Manifest()
		summaries = append(summaries, pluginSummary{
			ID:      m.ID,
			Name:    m.Name,
			Version: m.Version,
			Domain:  m.DomainName(),
			Path:    m.Main,
			Status:  "ready",
		})
	}
	for id, reason := range res.Skipped {
		summaries = append(summaries, pluginSummary{ID: id, Status: "skipped", Reason: reason})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	return writeOutput(cmd.OutOrStdout(), pluginsOutput, summaries, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tVERSION\tDOMAIN\tSTATUS\tREASON")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				s.ID, orDash(s.Version), orDash(s.Domain), s.Status, orDash(s.Reason))
		}
	})
}
