package core

import (
	"time"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// RequestedBy identifies who submitted an action intent.
type RequestedBy string

const (
	RequestedByAIAgent  RequestedBy = "ai_agent"
	RequestedByAnalyst  RequestedBy = "analyst"
	RequestedByPlaybook RequestedBy = "playbook"
)

// Valid reports whether r is a known requester kind.
func (r RequestedBy) Valid() bool {
	switch r {
	case RequestedByAIAgent, RequestedByAnalyst, RequestedByPlaybook:
		return true
	}
	return false
}

// Notification events emitted by the approval queue.
const (
	EventApprovalRequested = "APPROVAL_REQUESTED"
	EventApprovalResolved  = "APPROVAL_RESOLVED"
)

// ApprovalContext explains why an action was requested.
type ApprovalContext struct {
	Reason           string    `json:"reason"`
	RiskLevel        RiskLevel `json:"risk_level"`
	AlertID          string    `json:"alert_id,omitempty"`
	CaseID           string    `json:"case_id,omitempty"`
	AIRecommendation string    `json:"ai_recommendation,omitempty"`
}

// ApprovalRequest is the gated unit of work. It is never deleted; it is the
// audit record of a governance decision.
type ApprovalRequest struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ActionType   string          `json:"action_type"`
	ActionParams map[string]any  `json:"action_params,omitempty"`
	Context      ApprovalContext `json:"context"`
	RequestedBy  RequestedBy     `json:"requested_by"`
	RequestedAt  time.Time       `json:"requested_at"`
	Status       ApprovalStatus  `json:"status"`
	ReviewedBy   string          `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNotes  string          `json:"review_notes,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	// Synchronous is set while the submitter is blocked waiting and will
	// dispatch the action itself once approved.
	Synchronous bool `json:"synchronous,omitempty"`
}

// ExpiredAt reports whether the request's horizon has passed at now.
func (r *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ActionParams = cloneParams(r.ActionParams)
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ApprovalStats summarizes a tenant's approval requests.
type ApprovalStats struct {
	TenantID          string  `json:"tenant_id"`
	Pending           int     `json:"pending"`
	Approved          int     `json:"approved"`
	Rejected          int     `json:"rejected"`
	Expired           int     `json:"expired"`
	Total             int     `json:"total"`
	AvgApprovalTimeMs float64 `json:"avg_approval_time_ms"`
}

// WaitResult is the outcome of WaitForApproval.
type WaitResult struct {
	Approved  bool           `json:"approved"`
	TimedOut  bool           `json:"timed_out"`
	Cancelled bool           `json:"cancelled,omitempty"`
	Status    ApprovalStatus `json:"status,omitempty"`
}
