package ability

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalTimeout   ApprovalStatus = "timeout"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

type ApprovalRequest struct {
	ExecutionID      string          `json:"execution_id"`
	InteractionID    string          `json:"interaction_id"`
	AbilityName      string          `json:"ability"`
	Description      string          `json:"description"`
	Params           json.RawMessage `json:"params,omitempty"`
	Danger           Danger          `json:"danger"`
	Status           ApprovalStatus  `json:"status"`
	SessionID        string          `json:"session_id,omitempty"`
	RequesterAgentID string          `json:"requester_agent_id,omitempty"`
	Remember         bool            `json:"remember,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Responder        string          `json:"responder,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       time.Time       `json:"resolved_at,omitzero"`
}

// ApprovalDecision is the payload a responder sends back through the bus.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Remember bool   `json:"remember_for_session,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// approvalHistory keeps every approval request until retention prunes it.
type approvalHistory struct {
	mu      sync.RWMutex
	entries map[string]*ApprovalRequest
}

func newApprovalHistory() *approvalHistory {
	return &approvalHistory{entries: make(map[string]*ApprovalRequest)}
}

func (h *approvalHistory) add(req ApprovalRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[req.ExecutionID] = &req
}

func (h *approvalHistory) get(executionID string) (ApprovalRequest, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	req, ok := h.entries[executionID]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *req, true
}

// resolve moves a pending request to its final status once.
func (h *approvalHistory) resolve(executionID string, status ApprovalStatus, remember bool, reason, responder string, at time.Time) (ApprovalRequest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.entries[executionID]
	if !ok || req.Status != ApprovalPending {
		return ApprovalRequest{}, false
	}
	req.Status = status
	req.Remember = remember
	req.Reason = reason
	req.Responder = responder
	req.ResolvedAt = at
	return *req, true
}

// list returns requests oldest first. Empty filters match everything.
func (h *approvalHistory) list(sessionID string, status ApprovalStatus) []ApprovalRequest {
	h.mu.RLock()
	out := make([]ApprovalRequest, 0, len(h.entries))
	for _, req := range h.entries {
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}

// prune drops resolved requests resolved before cutoff. Pending ones stay.
func (h *approvalHistory) prune(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, req := range h.entries {
		if req.Status != ApprovalPending && req.ResolvedAt.Before(cutoff) {
			delete(h.entries, id)
			n++
		}
	}
	return n
}
