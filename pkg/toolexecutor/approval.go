package toolexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ApprovalRequest describes a tool call waiting on the approval gate
type ApprovalRequest struct {
	ToolID     string                 `json:"tool_id"`
	ToolName   string                 `json:"tool_name"`
	Domain     string                 `json:"domain"`
	Category   string                 `json:"category,omitempty"`
	RiskLevel  int                    `json:"risk_level"`
	Reason     string                 `json:"reason"`
	Params     map[string]interface{} `json:"params,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	SessionKey string                 `json:"session_key,omitempty"`
	Timeout    time.Duration          `json:"timeout"`
}

// ApprovalResponse represents the response to an approval request
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ApprovalHandler decides approval requests. Implementations should honor ctx.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// DefaultApprovalTimeout bounds a request that carries no timeout.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalManager suspends a call on an ApprovalHandler until it answers or
// the request's deadline passes.
type ApprovalManager struct {
	handler        ApprovalHandler
	defaultTimeout time.Duration
}

// NewApprovalManager wraps handler. A nil handler denies every request.
func NewApprovalManager(handler ApprovalHandler) *ApprovalManager {
	return &ApprovalManager{handler: handler, defaultTimeout: DefaultApprovalTimeout}
}

type approvalOutcome struct {
	resp ApprovalResponse
	err  error
}

// RequestApproval blocks until the handler answers, ctx ends or the request
// times out. Only the request's own deadline yields ErrApprovalTimeout; a
// cancelled ctx is reported as such.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	if am.handler == nil {
		return ApprovalResponse{}, fmt.Errorf("no approval handler configured")
	}

	if req.Timeout <= 0 {
		req.Timeout = am.defaultTimeout
	}
	deadline, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	logger := log.With().Str("tool", req.ToolID).Logger()
	logger.Info().
		Str("domain", req.Domain).
		Int("risk_level", req.RiskLevel).
		Str("reason", req.Reason).
		Str("agent_id", req.AgentID).
		Msg("Requesting approval")

	done := make(chan approvalOutcome, 1)
	go func() {
		resp, err := am.handler.RequestApproval(deadline, req)
		done <- approvalOutcome{resp: resp, err: err}
	}()

	var out approvalOutcome
	select {
	case out = <-done:
	case <-deadline.Done():
		out.err = deadline.Err()
	}

	switch {
	case out.err == nil && out.resp.Approved:
		logger.Info().Str("reason", out.resp.Reason).Msg("Approval granted")
		return out.resp, nil
	case out.err == nil:
		logger.Warn().Str("reason", out.resp.Reason).Msg("Approval denied")
		return out.resp, nil
	case ctx.Err() != nil:
		return ApprovalResponse{}, fmt.Errorf("approval request cancelled: %w", ctx.Err())
	case deadline.Err() == context.DeadlineExceeded:
		logger.Warn().Dur("timeout", req.Timeout).Msg("Approval request timed out")
		return ApprovalResponse{}, fmt.Errorf("%w after %v", ErrApprovalTimeout, req.Timeout)
	default:
		logger.Error().Err(out.err).Msg("Approval request failed")
		return ApprovalResponse{}, fmt.Errorf("approval request failed: %w", out.err)
	}
}

// SetDefaultTimeout sets the timeout used when a request carries none.
func (am *ApprovalManager) SetDefaultTimeout(timeout time.Duration) {
	am.defaultTimeout = timeout
}

func (am *ApprovalManager) GetDefaultTimeout() time.Duration {
	return am.defaultTimeout
}
