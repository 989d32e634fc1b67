package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/toolhub/internal/config"
	"github.com/harun/toolhub/internal/version"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

var (
	toolsOutput   string
	toolsDomain   string
	toolsCategory string
	toolsQuery    string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect registered tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tools from every configured domain",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

var toolsShowCmd = &cobra.Command{
	Use:   "show <tool-id>",
	Short: "Show one tool definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsShow,
}

func init() {
	toolsCmd.PersistentFlags().StringVarP(&toolsOutput, "output", "o", outputTable, "output format (table, json, yaml)")
	toolsListCmd.Flags().StringVar(&toolsDomain, "domain", "", "only tools of this domain")
	toolsListCmd.Flags().StringVar(&toolsCategory, "category", "", "only tools of this category")
	toolsListCmd.Flags().StringVarP(&toolsQuery, "query", "q", "", "match name, description or id")

	toolsCmd.AddCommand(toolsListCmd, toolsShowCmd)
	rootCmd.AddCommand(toolsCmd)
}

// toolSummary is the printable part of a tool definition.
type toolSummary struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Domain           string                 `json:"domain"`
	Category         string                 `json:"category,omitempty"`
	Description      string                 `json:"description,omitempty"`
	RiskLevel        int                    `json:"risk_level"`
	RequiresApproval bool                   `json:"requires_approval"`
	Cacheable        bool                   `json:"cacheable"`
	CacheTTL         string                 `json:"cache_ttl,omitempty"`
	Timeout          string                 `json:"timeout,omitempty"`
	InputSchema      map[string]interface{} `json:"input_schema,omitempty"`
}

func summarize(def toolexecutor.ToolDefinition) toolSummary {
	s := toolSummary{
		ID:               def.ID,
		Name:             def.Name,
		Domain:           def.Domain,
		Category:         def.Category,
		Description:      def.Description,
		RiskLevel:        def.RiskLevel,
		RequiresApproval: def.RequiresApproval,
		Cacheable:        def.Cacheable,
		InputSchema:      def.InputSchema,
	}
	if def.CacheTTL > 0 {
		s.CacheTTL = def.CacheTTL.String()
	}
	if def.Timeout > 0 {
		s.Timeout = def.Timeout.String()
	}
	return s
}

// newLocalExecutor builds and initializes an in-process executor with the
// configured domains and every registered provider.
func newLocalExecutor(ctx context.Context, cfg *config.Config, handler toolexecutor.ApprovalHandler) (*toolexecutor.ToolExecutor, error) {
	providers, err := cfg.DomainProviders(version.Version, log.Logger)
	if err != nil {
		return nil, err
	}
	providers = append(providers, extraProviders...)
	te := toolexecutor.New(cfg.ExecutorConfig(),
		toolexecutor.WithProviders(providers...),
		toolexecutor.WithApprovalHandler(handler),
	)
	if err := te.Initialize(ctx); err != nil {
		_ = te.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize tool providers: %w", err)
	}
	return te, nil
}

func shutdownLocalExecutor(te *toolexecutor.ToolExecutor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = te.Shutdown(ctx)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runToolsList(cmd *cobra.Command, args []string) error {
	setupCommandLogging()

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	te, err := newLocalExecutor(commandContext(cmd), cfg, toolexecutor.DenyAllHandler{})
	if err != nil {
		return err
	}
	defer shutdownLocalExecutor(te)

	defs := te.GetTools(toolexecutor.ToolFilter{
		Domain:   toolsDomain,
		Category: toolsCategory,
		Query:    toolsQuery,
	})
	summaries := make([]toolSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, summarize(def))
	}

	return writeOutput(cmd.OutOrStdout(), toolsOutput, summaries, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tDOMAIN\tCATEGORY\tRISK\tAPPROVAL\tCACHE\tDESCRIPTION")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				s.ID, s.Domain, orDash(s.Category), s.RiskLevel,
				yesNo(s.RequiresApproval), yesNo(s.Cacheable), orDash(s.Description))
		}
	})
}

func runToolsShow(cmd *cobra.Command, args []string) error {
	setupCommandLogging()

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	te, err := newLocalExecutor(commandContext(cmd), cfg, toolexecutor.DenyAllHandler{})
	if err != nil {
		return err
	}
	defer shutdownLocalExecutor(te)

	def := te.GetTool(args[0])
	if def == nil {
		return fmt.Errorf("%w: %s", toolexecutor.ErrToolNotFound, args[0])
	}
	s := summarize(*def)

	return writeOutput(cmd.OutOrStdout(), toolsOutput, s, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID:\t%s\n", s.ID)
		fmt.Fprintf(tw, "Name:\t%s\n", s.Name)
		fmt.Fprintf(tw, "Domain:\t%s\n", s.Domain)
		fmt.Fprintf(tw, "Category:\t%s\n", orDash(s.Category))
		fmt.Fprintf(tw, "Description:\t%s\n", orDash(s.Description))
		fmt.Fprintf(tw, "Risk level:\t%d\n", s.RiskLevel)
		fmt.Fprintf(tw, "Requires approval:\t%s\n", yesNo(s.RequiresApproval))
		fmt.Fprintf(tw, "Cacheable:\t%s\n", yesNo(s.Cacheable))
		fmt.Fprintf(tw, "Timeout:\t%s\n", orDash(s.Timeout))
		fmt.Fprintf(tw, "Circuit:\t%s\n", te.CircuitState(s.ID))
	})
}
