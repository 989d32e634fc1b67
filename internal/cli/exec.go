package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolhub/internal/config"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

var (
	execParamsJSON  string
	execParams      []string
	execApprove     string
	execTimeout     time.Duration
	execBypassCache bool
	execOutput      string
)

var execCmd = &cobra.Command{
	Use:   "exec <tool-id>",
	Short: "Execute one tool in-process",
	Long: `Execute one tool through the full safety pipeline without a daemon.
Parameters come from --params (a JSON object) and repeated --param key=value
flags; a value that parses as JSON is used as such, anything else is a string.`,
	Example: `  toolhub exec system.echo --param message=hello
  toolhub exec system.sleep --params '{"ms": 200}' --timeout 1s`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execParamsJSON, "params", "", "parameters as a JSON object")
	execCmd.Flags().StringArrayVarP(&execParams, "param", "p", nil, "parameter as key=value (repeatable)")
	execCmd.Flags().StringVar(&execApprove, "approve", config.ApprovalModePrompt, "approval mode for gated tools (prompt, auto, deny)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "execution timeout override")
	execCmd.Flags().BoolVar(&execBypassCache, "bypass-cache", false, "skip the result cache")
	execCmd.Flags().StringVarP(&execOutput, "output", "o", outputTable, "output format (table, json, yaml)")
	rootCmd.AddCommand(execCmd)
}

// parseParams merges the --params object with --param overrides.
func parseParams(raw string, pairs []string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}

		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}

	return params, nil
}

func approvalHandlerFor(cmd *cobra.Command, mode string) (toolexecutor.ApprovalHandler, error) {
	switch mode {
	case config.ApprovalModePrompt:
		return toolexecutor.NewCLIApprovalHandler(cmd.InOrStdin(), cmd.ErrOrStderr()), nil
	case config.ApprovalModeAuto:
		return toolexecutor.AutoApproveHandler{}, nil
	case config.ApprovalModeDeny:
		return toolexecutor.DenyAllHandler{}, nil
	default:
		return nil, fmt.Errorf("invalid --approve %q (want prompt, auto or deny)", mode)
	}
}

type execOutcome struct {
	ExecutionID string      `json:"execution_id"`
	ToolID      string      `json:"tool_id"`
	Domain      string      `json:"domain"`
	FromCache   bool        `json:"from_cache"`
	DurationMS  int64       `json:"duration_ms"`
	Output      interface{} `json:"output"`
}

func runExec(cmd *cobra.Command, args []string) error {
	setupCommandLogging()

	params, err := parseParams(execParamsJSON, execParams)
	if err != nil {
		return err
	}
	handler, err := approvalHandlerFor(cmd, execApprove)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := commandContext(cmd)
	te, err := newLocalExecutor(ctx, cfg, handler)
	if err != nil {
		return err
	}
	defer shutdownLocalExecutor(te)

	result, err := te.ExecuteTool(ctx, args[0], params,
		&toolexecutor.ExecutionContext{AgentID: "cli"},
		toolexecutor.ExecuteOptions{Timeout: execTimeout, BypassCache: execBypassCache},
	)
	if err != nil {
		return err
	}

	outcome := execOutcome{
		ExecutionID: result.ExecutionID,
		ToolID:      result.ToolID,
		Domain:      result.Domain,
		FromCache:   result.FromCache,
		DurationMS:  result.Duration.Milliseconds(),
		Output:      result.Output,
	}

	return writeOutput(cmd.OutOrStdout(), execOutput, outcome, func(tw *tabwriter.Writer) {
		rendered, err := json.MarshalIndent(outcome.Output, "", "  ")
		if err != nil {
			rendered = []byte(fmt.Sprint(outcome.Output))
		}
		fmt.Fprintf(tw, "Execution:\t%s\n", outcome.ExecutionID)
		fmt.Fprintf(tw, "Tool:\t%s\n", outcome.ToolID)
		fmt.Fprintf(tw, "Duration:\t%dms\n", outcome.DurationMS)
		fmt.Fprintf(tw, "From cache:\t%s\n", yesNo(outcome.FromCache))
		fmt.Fprintf(tw, "Output:\t%s\n", rendered)
	})
}
