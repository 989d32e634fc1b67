package audit

import (
	"context"
	"strconv"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

type approvalRecorder struct {
	next toolexecutor.ApprovalHandler
	log  *Logger
}

// WrapApproval returns a handler that asks next and records each decision.
func (l *Logger) WrapApproval(next toolexecutor.ApprovalHandler) toolexecutor.ApprovalHandler {
	return &approvalRecorder{next: next, log: l}
}

func (r *approvalRecorder) RequestApproval(ctx context.Context, req toolexecutor.ApprovalRequest) (toolexecutor.ApprovalResponse, error) {
	resp, err := r.next.RequestApproval(ctx, req)

	event := Event{
		Type:   TypeApproval,
		Actor:  req.AgentID,
		Action: "approve:" + req.ToolID,
		Metadata: map[string]string{
			"domain":     req.Domain,
			"risk_level": strconv.Itoa(req.RiskLevel),
		},
	}
	if event.Actor == "" {
		event.Actor = req.SessionKey
	}

	switch {
	case err != nil:
		event.Status = "error"
		event.Metadata["error"] = err.Error()
	case resp.Approved:
		event.Status = "approved"
	default:
		event.Status = "denied"
	}
	if resp.Reason != "" {
		event.Metadata["reason"] = resp.Reason
	}

	r.log.Record(ctx, event)
	return resp, err
}
