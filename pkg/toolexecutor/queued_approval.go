package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// ErrApprovalNotFound is returned by Resolve for an unknown or already
// answered approval ID.
var ErrApprovalNotFound = errors.New("approval not found")

// ApprovalAction is an operator decision on a pending approval.
type ApprovalAction string

const (
	ApprovalActionAllowOnce   ApprovalAction = "allow-once"
	ApprovalActionAllowAlways ApprovalAction = "allow-always"
	ApprovalActionDeny        ApprovalAction = "deny"
)

// ParseApprovalAction parses a user-provided action string.
func ParseApprovalAction(value string) (ApprovalAction, error) {
	action := ApprovalAction(strings.ToLower(strings.TrimSpace(value)))
	switch action {
	case ApprovalActionAllowOnce, ApprovalActionAllowAlways, ApprovalActionDeny:
		return action, nil
	default:
		return "", fmt.Errorf("invalid approval action %q", value)
	}
}

// PendingApproval is an approval request waiting for an operator.
type PendingApproval struct {
	ID        string          `json:"id"`
	Request   ApprovalRequest `json:"request"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// ApprovalNotifier announces new pending approvals, e.g. to websocket clients.
type ApprovalNotifier interface {
	NotifyApproval(ctx context.Context, pending PendingApproval) error
}

type parked struct {
	info  PendingApproval
	reply chan ApprovalResponse
}

// QueuedApprovalHandler parks approval requests until Resolve is called or
// the request context ends. Tools on the allowlist are approved immediately.
type QueuedApprovalHandler struct {
	allowlist *ApprovalAllowlist

	mu       sync.Mutex
	notifier ApprovalNotifier
	queue    map[string]*parked
}

// NewQueuedApprovalHandler creates a queued handler. Both arguments may be nil.
func NewQueuedApprovalHandler(notifier ApprovalNotifier, allowlist *ApprovalAllowlist) *QueuedApprovalHandler {
	return &QueuedApprovalHandler{
		allowlist: allowlist,
		notifier:  notifier,
		queue:     make(map[string]*parked),
	}
}

// SetNotifier replaces the notifier. Requests already parked are not
// re-announced.
func (h *QueuedApprovalHandler) SetNotifier(notifier ApprovalNotifier) {
	h.mu.Lock()
	h.notifier = notifier
	h.mu.Unlock()
}

// RequestApproval implements ApprovalHandler.
func (h *QueuedApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	if h.allowlist != nil && h.allowlist.IsAllowed(req.ToolID) {
		return ApprovalResponse{Approved: true, Reason: "approved by allowlist"}, nil
	}

	id, err := gonanoid.New()
	if err != nil {
		return ApprovalResponse{}, fmt.Errorf("generate approval id: %w", err)
	}
	entry := &parked{
		info:  PendingApproval{ID: id, Request: req, CreatedAt: time.Now()},
		reply: make(chan ApprovalResponse, 1),
	}
	if deadline, ok := ctx.Deadline(); ok {
		entry.info.ExpiresAt = deadline
	}

	h.mu.Lock()
	h.queue[id] = entry
	notifier := h.notifier
	h.mu.Unlock()
	defer h.take(id)

	if notifier != nil {
		if err := notifier.NotifyApproval(ctx, entry.info); err != nil {
			log.Warn().Err(err).Str("approval_id", id).Msg("Failed to announce pending approval")
		}
	}

	select {
	case response := <-entry.reply:
		return response, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}

// take removes and returns the parked request, so only one caller can
// answer it.
func (h *QueuedApprovalHandler) take(id string) *parked {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.queue[id]
	delete(h.queue, id)
	return entry
}

// Pending lists waiting approvals, oldest first.
func (h *QueuedApprovalHandler) Pending() []PendingApproval {
	h.mu.Lock()
	out := make([]PendingApproval, 0, len(h.queue))
	for _, entry := range h.queue {
		out = append(out, entry.info)
	}
	h.mu.Unlock()

	slices.SortFunc(out, func(a, b PendingApproval) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Resolve answers a pending approval. allow-always also adds the tool to the
// allowlist and persists it; if that fails the request stays pending.
func (h *QueuedApprovalHandler) Resolve(id string, action ApprovalAction, actor string) error {
	h.mu.Lock()
	entry, ok := h.queue[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}

	response, err := h.decide(action, actor, entry.info.Request)
	if err != nil {
		return err
	}
	if h.take(id) == nil {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	entry.reply <- response
	return nil
}

func (h *QueuedApprovalHandler) decide(action ApprovalAction, actor string, req ApprovalRequest) (ApprovalResponse, error) {
	switch action {
	case ApprovalActionAllowOnce:
		return ApprovalResponse{Approved: true, Reason: "approved once by " + actor}, nil
	case ApprovalActionAllowAlways:
		if h.allowlist != nil {
			if err := h.allowlist.Add(AllowlistEntry{Pattern: req.ToolID, Reason: "allow-always", AddedBy: actor}); err != nil {
				return ApprovalResponse{}, fmt.Errorf("failed to add allowlist entry: %w", err)
			}
			if err := h.allowlist.Save(); err != nil {
				return ApprovalResponse{}, fmt.Errorf("failed to persist allowlist entry: %w", err)
			}
		}
		return ApprovalResponse{Approved: true, Reason: "approved always by " + actor}, nil
	case ApprovalActionDeny:
		return ApprovalResponse{Approved: false, Reason: "denied by " + actor}, nil
	default:
		return ApprovalResponse{}, fmt.Errorf("unsupported approval action %q", action)
	}
}

var _ ApprovalHandler = (*QueuedApprovalHandler)(nil)
