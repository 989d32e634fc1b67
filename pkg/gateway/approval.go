package gateway

import (
	"context"
	"fmt"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// ApprovalForwarder announces queued approval requests to websocket clients.
// It implements toolexecutor.ApprovalNotifier.
type ApprovalForwarder struct {
	broadcaster *EventBroadcaster
}

// NewApprovalForwarder creates a forwarder over broadcaster.
func NewApprovalForwarder(broadcaster *EventBroadcaster) *ApprovalForwarder {
	return &ApprovalForwarder{broadcaster: broadcaster}
}

// NotifyApproval broadcasts a tool.approval_request event.
func (f *ApprovalForwarder) NotifyApproval(_ context.Context, pending toolexecutor.PendingApproval) error {
	req := pending.Request
	data := map[string]interface{}{
		"approval_id": pending.ID,
		"tool_name":   req.ToolName,
		"category":    req.Category,
		"risk_level":  req.RiskLevel,
		"reason":      req.Reason,
		"params":      req.Params,
		"timeout_ms":  req.Timeout.Milliseconds(),
		"agent_id":    req.AgentID,
		"session_key": req.SessionKey,
		"created_at":  pending.CreatedAt.UnixMilli(),
	}
	if !pending.ExpiresAt.IsZero() {
		data["expires_at"] = pending.ExpiresAt.UnixMilli()
	}

	f.broadcaster.BroadcastTyped(EventMessage{
		Event:  "tool.approval_request",
		Stream: StreamTypeApproval,
		Phase:  "approval_required",
		Data:   data,
		ToolID: req.ToolID,
		Domain: req.Domain,
	})
	return nil
}

// resolveApproval answers a pending approval on behalf of actor and tells
// connected clients about it.
func (s *Server) resolveApproval(id, actionStr, actor string) error {
	if s.approvals == nil {
		return &RPCError{Code: Unavailable, Message: "approval queue is not enabled"}
	}
	if id == "" {
		return &RPCError{Code: InvalidParams, Message: "approval_id is required"}
	}

	action, err := toolexecutor.ParseApprovalAction(actionStr)
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid action: %v", err)}
	}

	if err := s.approvals.Resolve(id, action, actor); err != nil {
		return &RPCError{Code: NotFound, Message: err.Error()}
	}

	s.logger.Info().
		Str("approval_id", id).
		Str("action", string(action)).
		Str("actor", actor).
		Msg("Approval resolved")
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:  "tool.approval_resolved",
		Stream: StreamTypeApproval,
		Phase:  "resolved",
		Data: map[string]interface{}{
			"approval_id": id,
			"action":      string(action),
			"actor":       actor,
		},
	})
	return nil
}

var _ toolexecutor.ApprovalNotifier = (*ApprovalForwarder)(nil)
