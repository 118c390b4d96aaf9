package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// dispatcher.go — turns an admitted action into a side effect plus audit.
//
// Every execution is bracketed on its execution step: an "attempting"
// entry before the call, a "completed" or "failed" entry with the full
// result after it. The closing entry is written from a deferred block so
// an executor panic still leaves a complete bracket. Nothing here retries.
// ---------------------------------------------------------------------------

// ProviderBuiltin labels catalog executions in audit entries and metrics.
const ProviderBuiltin = "builtin"

// NewExecutionStepID returns a step id for an execution the caller did not
// tie to a workflow step.
func NewExecutionStepID() string {
	return "exec:" + uuid.New().String()
}

// DispatchConfig controls execution routing.
type DispatchConfig struct {
	MockMode        bool          `yaml:"mock_mode" json:"mock_mode"`
	MockLatency     time.Duration `yaml:"mock_latency" json:"mock_latency"`
	ProviderTimeout time.Duration `yaml:"provider_timeout" json:"provider_timeout"`
}

// DefaultDispatchConfig starts in mock mode.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MockMode:        true,
		MockLatency:     250 * time.Millisecond,
		ProviderTimeout: 30 * time.Second,
	}
}

// ActionDispatcher routes actions to the catalog or an EDR executor.
type ActionDispatcher struct {
	logger  zerolog.Logger
	actions ActionExecutor
	creds   CredentialStore
	steps   ExecutionStepLog

	mu        sync.RWMutex
	executors map[string]EDRExecutor
	mock      EDRExecutor
	mockMode  atomic.Bool
}

// NewActionDispatcher creates a dispatcher with the CrowdStrike and
// SentinelOne adapters registered.
func NewActionDispatcher(logger zerolog.Logger, cfg DispatchConfig, actions ActionExecutor, creds CredentialStore, steps ExecutionStepLog) *ActionDispatcher {
	if creds == nil {
		creds = StaticCredentialStore{}
	}
	if steps == nil {
		steps = NewMemoryStepLog()
	}
	d := &ActionDispatcher{
		logger:    logger.With().Str("component", "action_dispatcher").Logger(),
		actions:   actions,
		creds:     creds,
		steps:     steps,
		executors: make(map[string]EDRExecutor),
		mock:      NewMockEDRExecutor(cfg.MockLatency),
	}
	d.mockMode.Store(cfg.MockMode)
	d.RegisterExecutor(NewCrowdStrikeExecutor(cfg.ProviderTimeout))
	d.RegisterExecutor(NewSentinelOneExecutor(cfg.ProviderTimeout))
	return d
}

// RegisterExecutor adds or replaces the executor for exec.Name().
func (d *ActionDispatcher) RegisterExecutor(exec EDRExecutor) {
	d.mu.Lock()
	d.executors[normalizeProvider(exec.Name())] = exec
	d.mu.Unlock()
}

// Providers lists the registered provider names.
func (d *ActionDispatcher) Providers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.executors))
	for name := range d.executors {
		out = append(out, name)
	}
	return out
}

// SetMockMode switches every provider call to the simulator (or back).
func (d *ActionDispatcher) SetMockMode(on bool) {
	prev := d.mockMode.Swap(on)
	if prev != on {
		d.logger.Warn().Bool("mock_mode", on).Msg("dispatch mock mode changed")
	}
}

// MockMode reports whether provider calls are simulated.
func (d *ActionDispatcher) MockMode() bool { return d.mockMode.Load() }

// StepLog returns the audit log the dispatcher writes to.
func (d *ActionDispatcher) StepLog() ExecutionStepLog { return d.steps }

// validateEDRParams checks the identifiers each action family needs.
func validateEDRParams(req EDRRequest) error {
	switch req.Action {
	case EDRIsolateHost, EDRReleaseHost:
		id := req.hostID()
		if id == "" {
			return &ValidationError{Field: "agent_id"}
		}
		if err := validateIdentifier("agent id", id); err != nil {
			return &ValidationError{Field: "agent_id", Reason: err.Error()}
		}
	case EDRTerminateProcess, EDRKillProcess:
		pid := req.param("process_id")
		if pid == "" {
			return &ValidationError{Field: "process_id"}
		}
		if err := validatePID(pid); err != nil {
			return &ValidationError{Field: "process_id", Reason: err.Error()}
		}
	case EDRQuarantineFile, EDRBlockHash:
		h := req.param("hash")
		if h == "" {
			return &ValidationError{Field: "hash"}
		}
		if err := validateHash(h); err != nil {
			return &ValidationError{Field: "hash", Reason: err.Error()}
		}
	}
	return nil
}

// resolve picks the executor for req, honouring mock mode.
func (d *ActionDispatcher) resolve(req EDRRequest) (EDRExecutor, error) {
	d.mu.RLock()
	exec, ok := d.executors[req.Provider]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("Unsupported EDR provider: %s", req.Provider)
	}
	if !exec.Supports(req.Action) {
		return nil, fmt.Errorf("Unsupported EDR action %s for provider %s", req.Action, req.Provider)
	}
	if d.MockMode() {
		return d.mock, nil
	}
	return exec, nil
}

// ExecuteEDR validates, resolves and runs a provider action.
func (d *ActionDispatcher) ExecuteEDR(ctx context.Context, req EDRRequest) ActionResult {
	req.Provider = normalizeProvider(req.Provider)
	if req.ExecutionStepID == "" {
		req.ExecutionStepID = NewExecutionStepID()
	}
	auditReq := map[string]any{
		"tenant_id": req.TenantID,
		"provider":  req.Provider,
		"action":    req.Action,
		"params":    cloneParams(req.Params),
	}

	if req.Provider == "" {
		return d.reject(ctx, req.ExecutionStepID, req.Action, req.Provider, auditReq, &ValidationError{Field: "provider"})
	}
	if err := validateEDRParams(req); err != nil {
		return d.reject(ctx, req.ExecutionStepID, req.Action, req.Provider, auditReq, err)
	}
	exec, err := d.resolve(req)
	if err != nil {
		return d.reject(ctx, req.ExecutionStepID, req.Action, req.Provider, auditReq, err)
	}

	var creds *Credentials
	if exec != d.mock {
		c, err := d.creds.GetDecryptedCredentials(ctx, req.TenantID, req.Provider)
		if err != nil {
			return d.reject(ctx, req.ExecutionStepID, req.Action, req.Provider, auditReq,
				fmt.Errorf("Failed to load credentials for %s: %v", req.Provider, err))
		}
		if c == nil {
			return d.reject(ctx, req.ExecutionStepID, req.Action, req.Provider, auditReq,
				fmt.Errorf("No credentials configured for %s", req.Provider))
		}
		creds = c
	}

	return d.bracket(ctx, req.ExecutionStepID, req.Action, req.Provider, auditReq, func() (ActionResult, error) {
		return exec.Execute(ctx, creds, req)
	})
}

// ExecuteAction runs a catalog action inside an audit bracket.
func (d *ActionDispatcher) ExecuteAction(ctx context.Context, actionType string, actx ActionContext, stepID string) ActionResult {
	if stepID == "" {
		stepID = NewExecutionStepID()
	}
	if actx.ExecutionID == "" {
		actx.ExecutionID = stepID
	}
	auditReq := map[string]any{
		"tenant_id": actx.TenantID,
		"action":    actionType,
		"inputs":    cloneParams(actx.Inputs),
	}
	if actx.UserID != "" {
		auditReq["user_id"] = actx.UserID
	}
	return d.bracket(ctx, stepID, actionType, ProviderBuiltin, auditReq, func() (ActionResult, error) {
		return d.actions.Execute(ctx, actionType, actx), nil
	})
}

// DispatchApproved executes the action behind an approved request. A
// "provider" param routes to the EDR executor, anything else goes to the
// catalog. Without a stepID the trail is kept under "approval:<id>".
func (d *ActionDispatcher) DispatchApproved(ctx context.Context, req *ApprovalRequest, stepID string) ActionResult {
	if req == nil {
		return FailedResult("Request not found")
	}
	if req.Status != ApprovalApproved {
		return FailedResult("Request %s is %s, not approved", req.ID, req.Status)
	}
	if stepID == "" {
		stepID = "approval:" + req.ID
	}

	if provider, _ := req.ActionParams["provider"].(string); strings.TrimSpace(provider) != "" {
		return d.ExecuteEDR(ctx, EDRRequest{
			TenantID:        req.TenantID,
			Provider:        provider,
			Action:          req.ActionType,
			Params:          req.ActionParams,
			ExecutionStepID: stepID,
			RequestedBy:     string(req.RequestedBy),
		})
	}
	return d.ExecuteAction(ctx, req.ActionType, ActionContext{
		TenantID:    req.TenantID,
		CaseID:      req.Context.CaseID,
		ExecutionID: stepID,
		UserID:      req.ReviewedBy,
		Inputs:      cloneParams(req.ActionParams),
	}, stepID)
}

// reject records a single failed entry for a request that never reached an
// executor.
func (d *ActionDispatcher) reject(ctx context.Context, stepID, action, provider string, auditReq map[string]any, err error) ActionResult {
	res := ActionResult{Success: false, Error: err.Error(), ExecutionStepID: stepID}
	d.logger.Warn().
		Str("step_id", stepID).
		Str("action", action).
		Str("provider", provider).
		Err(err).
		Msg("dispatch rejected before execution")
	d.audit(ctx, stepID, AuditLogEntry{
		Status:     AuditFailed,
		ActionType: action,
		Provider:   provider,
		Request:    auditReq,
		Result:     &res,
	})
	dispatches.WithLabelValues(providerLabel(provider), "rejected").Inc()
	return res
}

func (d *ActionDispatcher) bracket(ctx context.Context, stepID, action, provider string, auditReq map[string]any, run func() (ActionResult, error)) (result ActionResult) {
	start := time.Now()
	d.audit(ctx, stepID, AuditLogEntry{
		Status:     AuditAttempting,
		ActionType: action,
		Provider:   provider,
		Request:    auditReq,
	})

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("step_id", stepID).
				Str("action", action).
				Str("provider", provider).
				Interface("panic", r).
				Msg("executor panicked, recovered")
			result = FailedResult("executor panic: %v", r)
		}
		result.ExecutionStepID = stepID

		status, outcome := AuditCompleted, "success"
		if !result.Success {
			status, outcome = AuditFailed, "failure"
		}
		final := result
		d.audit(ctx, stepID, AuditLogEntry{
			Status:     status,
			ActionType: action,
			Provider:   provider,
			Request:    auditReq,
			Result:     &final,
		})

		elapsed := time.Since(start)
		dispatches.WithLabelValues(providerLabel(provider), outcome).Inc()
		dispatchDuration.WithLabelValues(providerLabel(provider)).Observe(elapsed.Seconds())
		d.logger.Info().
			Str("step_id", stepID).
			Str("action", action).
			Str("provider", provider).
			Bool("success", result.Success).
			Str("error", result.Error).
			Dur("duration", elapsed).
			Msg("action dispatched")
	}()

	res, err := run()
	if err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	return res
}

// audit appends to the step log. The write survives caller cancellation and
// a failure is logged, never returned.
func (d *ActionDispatcher) audit(ctx context.Context, stepID string, entry AuditLogEntry) {
	entry.Timestamp = time.Now().UTC()
	if err := d.steps.AppendAuditEntry(context.WithoutCancel(ctx), stepID, entry); err != nil {
		d.logger.Error().Err(err).Str("step_id", stepID).Str("status", string(entry.Status)).Msg("audit write failed")
	}
}

func providerLabel(p string) string {
	if p == "" {
		return "unknown"
	}
	return p
}
