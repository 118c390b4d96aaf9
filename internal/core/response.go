package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// response.go — admission façade over policy, queue and dispatcher.
//
// Submit decides per intent: auto-approved intents are dispatched at once,
// gated ones are queued and either returned as a pending handle or waited
// on. Every execution lands in a bounded in-memory history and, when a bus
// is attached, on sec.responses.<tenant>.<action>.
// ---------------------------------------------------------------------------

// Decision is the admission outcome of an intent.
type Decision string

const (
	DecisionExecuted Decision = "executed"
	DecisionPending  Decision = "pending"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
	DecisionTimedOut Decision = "timed_out"
)

// ActionIntent is a request to run an action at a declared risk.
type ActionIntent struct {
	TenantID        string          `json:"tenant_id"`
	ActionType      string          `json:"action_type"`
	Params          map[string]any  `json:"params,omitempty"`
	Context         ApprovalContext `json:"context"`
	RequestedBy     RequestedBy     `json:"requested_by"`
	UserID          string          `json:"user_id,omitempty"`
	ExecutionStepID string          `json:"execution_step_id,omitempty"`
	Wait            bool            `json:"wait,omitempty"`
	WaitTimeout     time.Duration   `json:"wait_timeout,omitempty"`
}

// Admission is what Submit returns.
type Admission struct {
	Decision Decision         `json:"decision"`
	Request  *ApprovalRequest `json:"request,omitempty"`
	Result   *ActionResult    `json:"result,omitempty"`

	// ExecutionStepID names the audit trail of an executed action.
	ExecutionStepID string `json:"execution_step_id,omitempty"`
}

// ResponseRecord is one execution in the response history.
type ResponseRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	TenantID    string    `json:"tenant_id"`
	ActionType  string    `json:"action_type"`
	Provider    string    `json:"provider"`
	ApprovalID  string    `json:"approval_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// RecordPublisher is the slice of the event bus the engine publishes on.
type RecordPublisher interface {
	PublishJSON(subject string, v any) error
}

// ResponseEngine is the entry point for every public operation.
type ResponseEngine struct {
	logger     zerolog.Logger
	policy     atomic.Pointer[RiskPolicy]
	queue      *ApprovalQueue
	dispatcher *ActionDispatcher
	catalog    *ActionCatalog
	publisher  RecordPublisher

	mu         sync.RWMutex
	records    []*ResponseRecord
	maxRecords int
}

// NewResponseEngine wires the admission path. publisher may be nil.
func NewResponseEngine(logger zerolog.Logger, policy *RiskPolicy, queue *ApprovalQueue, dispatcher *ActionDispatcher, catalog *ActionCatalog, publisher RecordPublisher) *ResponseEngine {
	re := &ResponseEngine{
		logger:     logger.With().Str("component", "response_engine").Logger(),
		queue:      queue,
		dispatcher: dispatcher,
		catalog:    catalog,
		publisher:  publisher,
		records:    make([]*ResponseRecord, 0, 256),
		maxRecords: 10000,
	}
	re.policy.Store(policy)
	return re
}

func (re *ResponseEngine) Policy() *RiskPolicy { return re.policy.Load() }

// SetPolicy swaps the risk policy. Intents already past admission keep the
// decision they got.
func (re *ResponseEngine) SetPolicy(p *RiskPolicy) {
	if p != nil {
		re.policy.Store(p)
	}
}

func (re *ResponseEngine) Queue() *ApprovalQueue { return re.queue }

func (re *ResponseEngine) Dispatcher() *ActionDispatcher { return re.dispatcher }

func (re *ResponseEngine) Catalog() *ActionCatalog { return re.catalog }

func (re *ResponseEngine) StepLog() ExecutionStepLog { return re.dispatcher.StepLog() }

// SetPublisher attaches the bus after construction.
func (re *ResponseEngine) SetPublisher(p RecordPublisher) {
	re.mu.Lock()
	re.publisher = p
	re.mu.Unlock()
}

// Submit admits an intent.
func (re *ResponseEngine) Submit(ctx context.Context, intent ActionIntent) (*Admission, error) {
	if intent.TenantID == "" {
		return nil, &ValidationError{Field: "tenant_id"}
	}
	if intent.ActionType == "" {
		return nil, &ValidationError{Field: "action_type"}
	}
	if !intent.Context.RiskLevel.Valid() {
		return nil, &ValidationError{Field: "risk_level", Reason: "must be low, medium, high or critical"}
	}

	if !re.Policy().RequiresApproval(intent.ActionType, intent.Context.RiskLevel) {
		res := re.executeIntent(ctx, intent)
		admissions.WithLabelValues(string(DecisionExecuted)).Inc()
		return &Admission{Decision: DecisionExecuted, Result: &res, ExecutionStepID: res.ExecutionStepID}, nil
	}

	req, err := re.queue.requestApproval(ctx, intent.TenantID, intent.ActionType, intent.Params,
		intent.Context, intent.RequestedBy, intent.Wait)
	if err != nil {
		return nil, err
	}
	if !intent.Wait {
		admissions.WithLabelValues(string(DecisionPending)).Inc()
		return &Admission{Decision: DecisionPending, Request: req}, nil
	}

	adm, err := re.awaitDecision(ctx, req, intent.WaitTimeout, intent.ExecutionStepID)
	if adm != nil {
		admissions.WithLabelValues(string(adm.Decision)).Inc()
	}
	return adm, err
}

func (re *ResponseEngine) awaitDecision(ctx context.Context, req *ApprovalRequest, timeout time.Duration, stepID string) (*Admission, error) {
	wr := re.queue.WaitForApproval(ctx, req.ID, timeout, 0)

	if wr.TimedOut || wr.Cancelled {
		// Hand the dispatch over to the eventual approver, unless the
		// request got resolved while we were giving up.
		detached, err := re.queue.detachCaller(ctx, req.ID)
		if err == nil {
			adm := &Admission{Decision: DecisionTimedOut, Request: detached}
			if wr.Cancelled {
				return adm, ctx.Err()
			}
			return adm, nil
		}
		var te *TransitionError
		if !errors.As(err, &te) {
			return nil, err
		}
		wr = WaitResult{Approved: te.Status == ApprovalApproved, Status: te.Status}
	}

	current, err := re.queue.Get(context.WithoutCancel(ctx), req.ID)
	if err != nil {
		return nil, err
	}
	switch {
	case wr.Approved:
		res := re.dispatchApproved(context.WithoutCancel(ctx), current, stepID)
		return &Admission{Decision: DecisionExecuted, Request: current, Result: &res, ExecutionStepID: res.ExecutionStepID}, nil
	case current.Status == ApprovalExpired || wr.Status == ApprovalExpired:
		return &Admission{Decision: DecisionExpired, Request: current}, nil
	default:
		return &Admission{Decision: DecisionRejected, Request: current}, nil
	}
}

func (re *ResponseEngine) executeIntent(ctx context.Context, intent ActionIntent) ActionResult {
	if provider, _ := intent.Params["provider"].(string); provider != "" {
		start := time.Now()
		res := re.dispatcher.ExecuteEDR(ctx, EDRRequest{
			TenantID:        intent.TenantID,
			Provider:        provider,
			Action:          intent.ActionType,
			Params:          intent.Params,
			ExecutionStepID: intent.ExecutionStepID,
			RequestedBy:     string(intent.RequestedBy),
		})
		re.record(intent.TenantID, intent.ActionType, normalizeProvider(provider), "", res.ExecutionStepID, string(intent.RequestedBy), res, time.Since(start))
		return res
	}
	return re.ExecuteAction(ctx, intent.ActionType, ActionContext{
		TenantID:    intent.TenantID,
		CaseID:      intent.Context.CaseID,
		ExecutionID: intent.ExecutionStepID,
		UserID:      intent.UserID,
		Inputs:      intent.Params,
	})
}

// SubmitForApproval queues an action unconditionally.
func (re *ResponseEngine) SubmitForApproval(ctx context.Context, tenantID, actionType string, params map[string]any, actx ApprovalContext, requestedBy RequestedBy) (*ApprovalRequest, error) {
	return re.queue.RequestApproval(ctx, tenantID, actionType, params, actx, requestedBy)
}

// ListPending returns the tenant's actionable requests.
func (re *ResponseEngine) ListPending(ctx context.Context, tenantID string) ([]*ApprovalRequest, error) {
	return re.queue.GetPendingApprovals(ctx, tenantID)
}

// Approve resolves the request and dispatches its action. When the
// submitter is blocked waiting it dispatches instead, and the returned
// result is nil.
func (re *ResponseEngine) Approve(ctx context.Context, id, reviewedBy, notes string) (*ApprovalRequest, *ActionResult, error) {
	req, err := re.queue.Approve(ctx, id, reviewedBy, notes)
	if err != nil {
		return nil, nil, err
	}
	if req.Synchronous {
		return req, nil, nil
	}
	res := re.dispatchApproved(ctx, req, "")
	return req, &res, nil
}

// Reject resolves the request without dispatching.
func (re *ResponseEngine) Reject(ctx context.Context, id, reviewedBy, notes string) (*ApprovalRequest, error) {
	return re.queue.Reject(ctx, id, reviewedBy, notes)
}

// GetStats returns the tenant's approval statistics.
func (re *ResponseEngine) GetStats(ctx context.Context, tenantID string) (*ApprovalStats, error) {
	return re.queue.GetStats(ctx, tenantID)
}

// ExecuteAction runs a catalog action directly, without policy checks.
// Callers are expected to have authorized the action already.
func (re *ResponseEngine) ExecuteAction(ctx context.Context, actionType string, actx ActionContext) ActionResult {
	start := time.Now()
	res := re.dispatcher.ExecuteAction(ctx, actionType, actx, actx.ExecutionID)
	re.record(actx.TenantID, actionType, ProviderBuiltin, "", res.ExecutionStepID, actx.UserID, res, time.Since(start))
	return res
}

// DispatchApprovedAction executes the action behind an approved request.
func (re *ResponseEngine) DispatchApprovedAction(ctx context.Context, req *ApprovalRequest) ActionResult {
	return re.dispatchApproved(ctx, req, "")
}

func (re *ResponseEngine) dispatchApproved(ctx context.Context, req *ApprovalRequest, stepID string) ActionResult {
	start := time.Now()
	res := re.dispatcher.DispatchApproved(ctx, req, stepID)
	if req == nil {
		return res
	}
	provider := ProviderBuiltin
	if p, _ := req.ActionParams["provider"].(string); p != "" {
		provider = normalizeProvider(p)
	}
	if res.ExecutionStepID != "" {
		stepID = res.ExecutionStepID
	} else if stepID == "" {
		stepID = "approval:" + req.ID
	}
	re.record(req.TenantID, req.ActionType, provider, req.ID, stepID, string(req.RequestedBy), res, time.Since(start))
	return res
}

func (re *ResponseEngine) record(tenantID, actionType, provider, approvalID, stepID, requestedBy string, res ActionResult, elapsed time.Duration) {
	rec := &ResponseRecord{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		TenantID:    tenantID,
		ActionType:  actionType,
		Provider:    provider,
		ApprovalID:  approvalID,
		StepID:      stepID,
		RequestedBy: requestedBy,
		Success:     res.Success,
		Error:       res.Error,
		DurationMs:  elapsed.Milliseconds(),
	}

	re.mu.Lock()
	if len(re.records) >= re.maxRecords {
		re.records = re.records[re.maxRecords/10:]
	}
	re.records = append(re.records, rec)
	publisher := re.publisher
	re.mu.Unlock()

	if publisher != nil {
		subject := fmt.Sprintf("sec.responses.%s.%s", SubjectToken(tenantID), SubjectToken(actionType))
		if err := publisher.PublishJSON(subject, rec); err != nil {
			re.logger.Error().Err(err).Str("subject", subject).Msg("failed to publish response record")
		}
	}
}

// Records returns up to limit records, newest first, optionally for one tenant.
func (re *ResponseEngine) Records(limit int, tenantID string) []*ResponseRecord {
	re.mu.RLock()
	defer re.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]*ResponseRecord, 0, limit)
	for i := len(re.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := re.records[i]
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Stats summarizes the response history.
func (re *ResponseEngine) Stats() map[string]interface{} {
	re.mu.RLock()
	defer re.mu.RUnlock()

	byAction := make(map[string]int)
	byProvider := make(map[string]int)
	failed := 0
	for _, r := range re.records {
		byAction[r.ActionType]++
		byProvider[r.Provider]++
		if !r.Success {
			failed++
		}
	}
	return map[string]interface{}{
		"total_records": len(re.records),
		"failed":        failed,
		"by_action":     byAction,
		"by_provider":   byProvider,
		"mock_mode":     re.dispatcher.MockMode(),
		"actions":       re.catalog.Len(),
	}
}
