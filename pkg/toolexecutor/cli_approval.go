package toolexecutor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
)

// CLIApprovalHandler asks an operator on a terminal to approve gated tool
// calls. Concurrent requests are prompted one at a time, and a line typed
// before a prompt was shown never answers it.
type CLIApprovalHandler struct {
	in   io.Reader
	out  io.Writer
	turn chan struct{}

	startOnce sync.Once
	lines     chan inputLine
}

type inputLine struct {
	text string
	at   time.Time
}

// NewCLIApprovalHandler prompts on out and reads answers from in.
func NewCLIApprovalHandler(in io.Reader, out io.Writer) *CLIApprovalHandler {
	return &CLIApprovalHandler{
		in:    in,
		out:   out,
		turn:  make(chan struct{}, 1),
		lines: make(chan inputLine),
	}
}

// readLines feeds lines from in until EOF or a read error, then closes
// the channel. A final unterminated line is still delivered.
func (c *CLIApprovalHandler) readLines() {
	defer close(c.lines)
	r := bufio.NewReader(c.in)
	for {
		text, err := r.ReadString('\n')
		if text != "" {
			c.lines <- inputLine{text: text, at: time.Now()}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("Approval prompt input failed")
			}
			return
		}
	}
}

// RequestApproval prompts the operator and waits for an answer or ctx expiry.
func (c *CLIApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	select {
	case c.turn <- struct{}{}:
		defer func() { <-c.turn }()
	case <-ctx.Done():
		return ApprovalResponse{Reason: "timeout"}, ctx.Err()
	}

	shown := time.Now()
	c.prompt(req)
	c.startOnce.Do(func() { go c.readLines() })

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				c.banner("No input, tool call DENIED")
				return ApprovalResponse{Reason: "no input provided"}, nil
			}
			if line.at.Before(shown) {
				continue
			}
			return c.answer(req, line.text), nil
		case <-ctx.Done():
			c.banner("Approval request TIMED OUT")
			return ApprovalResponse{Reason: "timeout"}, ctx.Err()
		}
	}
}

func (c *CLIApprovalHandler) answer(req ApprovalRequest, text string) ApprovalResponse {
	input := strings.ToLower(strings.TrimSpace(text))
	logger := log.With().Str("tool", req.ToolID).Logger()

	switch input {
	case "y", "yes":
		c.banner("Tool call APPROVED")
		logger.Info().Msg("Tool call approved via CLI")
		return ApprovalResponse{Approved: true, Reason: "approved by user"}
	case "n", "no", "":
		c.banner("Tool call DENIED")
		logger.Info().Msg("Tool call denied via CLI")
		return ApprovalResponse{Reason: "denied by user"}
	default:
		c.banner(fmt.Sprintf("Invalid input: %s (defaulting to DENY)", input))
		logger.Warn().Str("input", input).Msg("Invalid input for approval")
		return ApprovalResponse{Reason: "invalid input: " + input}
	}
}

func (c *CLIApprovalHandler) prompt(req ApprovalRequest) {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "== TOOL APPROVAL REQUIRED ==")

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(tw, "  %s:\t%s\n", label, value)
		}
	}
	row("Tool", fmt.Sprintf("%s (%s)", req.ToolID, req.ToolName))
	row("Domain", req.Domain)
	row("Category", req.Category)
	row("Risk level", fmt.Sprint(req.RiskLevel))
	row("Reason", req.Reason)
	row("Agent", req.AgentID)
	row("Session", req.SessionKey)
	if req.Timeout > 0 {
		row("Timeout", req.Timeout.String())
	}
	tw.Flush()

	if len(req.Params) > 0 {
		keys := make([]string, 0, len(req.Params))
		for k := range req.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(c.out, "  Params:")
		for _, k := range keys {
			fmt.Fprintf(c.out, "    %s: %v\n", k, req.Params[k])
		}
	}

	fmt.Fprint(c.out, "\n  Run this tool? [y/N]: ")
}

func (c *CLIApprovalHandler) banner(msg string) {
	fmt.Fprintf(c.out, "\n  %s\n\n", msg)
}
