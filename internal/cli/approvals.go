package cli

import (
	"fmt"
	"net/url"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

var approvalsOutput string

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review approval requests queued by a running daemon",
	Long: `Review approval requests queued by a running daemon.
The daemon must run with safety.approval_mode set to queue.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	Args:  cobra.NoArgs,
	RunE:  runApprovalsList,
}

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve <approval-id> <allow-once|allow-always|deny>",
	Short: "Answer a pending approval request",
	Args:  cobra.ExactArgs(2),
	RunE:  runApprovalsResolve,
}

func init() {
	approvalsListCmd.Flags().StringVarP(&approvalsOutput, "output", "o", outputTable, "output format (table, json, yaml)")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsResolveCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var resp struct {
		Approvals []toolexecutor.PendingApproval `json:"approvals"`
	}
	if err := newAPIClient(cfg).do("GET", "/v1/approvals", nil, &resp); err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), approvalsOutput, resp.Approvals, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tTOOL\tRISK\tREASON\tEXPIRES IN")
		for _, p := range resp.Approvals {
			expires := "-"
			if !p.ExpiresAt.IsZero() {
				expires = formatDuration(time.Until(p.ExpiresAt))
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				p.ID, p.Request.ToolID, p.Request.RiskLevel, orDash(p.Request.Reason), expires)
		}
	})
}

func runApprovalsResolve(cmd *cobra.Command, args []string) error {
	action, err := toolexecutor.ParseApprovalAction(args[1])
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	actor := "cli"
	if u, err := user.Current(); err == nil && u.Username != "" {
		actor = "cli:" + u.Username
	}

	body := map[string]string{"action": string(action), "actor": actor}
	if err := newAPIClient(cfg).do("POST", "/v1/approvals/"+url.PathEscape(args[0]), body, nil); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Approval %s resolved: %s\n", args[0], action)
	return nil
}
