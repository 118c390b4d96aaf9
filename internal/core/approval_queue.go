package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// approval_queue.go — human approval lifecycle for sensitive actions.
//
// pending -> approved | rejected | expired, each terminal. All transitions
// are compare-and-swap on the store, so a late approve racing the cleanup
// sweep resolves exactly once. Waiters are woken through a per-request
// channel and also poll the store to observe decisions taken by other
// instances sharing the same bucket.
// ---------------------------------------------------------------------------

const (
	DefaultApprovalTTL     = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultPollInterval    = 5 * time.Second
	DefaultWaitTimeout     = 5 * time.Minute
)

// ApprovalsConfig controls the approval queue.
type ApprovalsConfig struct {
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	WaitTimeout     time.Duration `yaml:"wait_timeout" json:"wait_timeout"`

	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
}

// DefaultApprovalsConfig returns sane defaults.
func DefaultApprovalsConfig() ApprovalsConfig {
	return ApprovalsConfig{
		TTL:             DefaultApprovalTTL,
		CleanupInterval: DefaultCleanupInterval,
		PollInterval:    DefaultPollInterval,
		WaitTimeout:     DefaultWaitTimeout,
		Escalation:      DefaultEscalationConfig(),
	}
}

type waitSignal struct {
	ch   chan struct{}
	refs int
}

// ApprovalQueue owns approval requests from submission to resolution.
type ApprovalQueue struct {
	logger   zerolog.Logger
	cfg      ApprovalsConfig
	store    ApprovalStore
	notifier NotificationGateway
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]*waitSignal

	cancel context.CancelFunc
	done   chan struct{}
}

// ApprovalQueueOption customizes a queue at construction.
type ApprovalQueueOption func(*ApprovalQueue)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ApprovalQueueOption {
	return func(q *ApprovalQueue) { q.now = now }
}

// WithNotifier sets the gateway informed of new and resolved requests.
func WithNotifier(n NotificationGateway) ApprovalQueueOption {
	return func(q *ApprovalQueue) { q.notifier = n }
}

// NewApprovalQueue creates a queue over store. A nil store means memory.
func NewApprovalQueue(logger zerolog.Logger, cfg ApprovalsConfig, store ApprovalStore, opts ...ApprovalQueueOption) *ApprovalQueue {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultApprovalTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if store == nil {
		store = NewMemoryApprovalStore()
	}
	q := &ApprovalQueue{
		logger:   logger.With().Str("component", "approval_queue").Logger(),
		cfg:      cfg,
		store:    store,
		notifier: NopNotifier{},
		now:      func() time.Time { return time.Now().UTC() },
		waiters:  make(map[string]*waitSignal),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the backing store.
func (q *ApprovalQueue) Store() ApprovalStore { return q.store }

// RequestApproval creates a pending request and notifies subscribers.
func (q *ApprovalQueue) RequestApproval(ctx context.Context, tenantID, actionType string, params map[string]any, actx ApprovalContext, requestedBy RequestedBy) (*ApprovalRequest, error) {
	return q.requestApproval(ctx, tenantID, actionType, params, actx, requestedBy, false)
}

func (q *ApprovalQueue) requestApproval(ctx context.Context, tenantID, actionType string, params map[string]any, actx ApprovalContext, requestedBy RequestedBy, synchronous bool) (*ApprovalRequest, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id"}
	}
	if actionType == "" {
		return nil, &ValidationError{Field: "action_type"}
	}
	if !actx.RiskLevel.Valid() {
		return nil, &ValidationError{Field: "risk_level", Reason: "must be low, medium, high or critical"}
	}
	if requestedBy == "" {
		requestedBy = RequestedByAnalyst
	}
	if !requestedBy.Valid() {
		return nil, &ValidationError{Field: "requested_by", Reason: "must be ai_agent, analyst or playbook"}
	}

	now := q.now()
	req := &ApprovalRequest{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		ActionType:   actionType,
		ActionParams: cloneParams(params),
		Context:      actx,
		RequestedBy:  requestedBy,
		RequestedAt:  now,
		Status:       ApprovalPending,
		ExpiresAt:    now.Add(q.cfg.TTL),
		Synchronous:  synchronous,
	}
	if err := q.store.Create(ctx, req); err != nil {
		q.logger.Error().Err(err).Str("tenant_id", tenantID).Str("action", actionType).Msg("storing approval request failed")
		return nil, err
	}

	approvalRequests.WithLabelValues(actionType, actx.RiskLevel.String()).Inc()
	q.logger.Warn().
		Str("approval_id", req.ID).
		Str("tenant_id", tenantID).
		Str("action", actionType).
		Str("risk", actx.RiskLevel.String()).
		Str("requested_by", string(requestedBy)).
		Time("expires_at", req.ExpiresAt).
		Msg("action held for human approval")

	q.broadcast(tenantID, EventApprovalRequested, req)
	return req.Clone(), nil
}

// Get returns a single request by id.
func (q *ApprovalQueue) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	return q.store.Get(ctx, id)
}

// GetPendingApprovals returns the tenant's pending, unexpired requests,
// most severe first and newest first within a severity.
func (q *ApprovalQueue) GetPendingApprovals(ctx context.Context, tenantID string) ([]*ApprovalRequest, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id"}
	}
	all, err := q.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := make([]*ApprovalRequest, 0, len(all))
	for _, req := range all {
		if req.Status == ApprovalPending && !req.ExpiredAt(now) {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Context.RiskLevel != out[j].Context.RiskLevel {
			return out[i].Context.RiskLevel > out[j].Context.RiskLevel
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

// History returns up to limit resolved requests for the tenant, newest first.
func (q *ApprovalQueue) History(ctx context.Context, tenantID string, limit int) ([]*ApprovalRequest, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id"}
	}
	all, err := q.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*ApprovalRequest, 0, len(all))
	for _, req := range all {
		if req.Status.Terminal() {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return resolvedAt(out[i]).After(resolvedAt(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func resolvedAt(r *ApprovalRequest) time.Time {
	if r.ReviewedAt != nil {
		return *r.ReviewedAt
	}
	if r.Status == ApprovalExpired {
		return r.ExpiresAt
	}
	return r.RequestedAt
}

// Approve moves a pending request to approved. An expired request is
// transitioned to expired instead and ErrRequestExpired is returned.
func (q *ApprovalQueue) Approve(ctx context.Context, id, reviewedBy, notes string) (*ApprovalRequest, error) {
	return q.resolve(ctx, id, ApprovalApproved, reviewedBy, notes)
}

// Reject moves a pending request to rejected, with the same expiry rule as Approve.
func (q *ApprovalQueue) Reject(ctx context.Context, id, reviewedBy, notes string) (*ApprovalRequest, error) {
	return q.resolve(ctx, id, ApprovalRejected, reviewedBy, notes)
}

func (q *ApprovalQueue) resolve(ctx context.Context, id string, target ApprovalStatus, reviewedBy, notes string) (*ApprovalRequest, error) {
	current, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != ApprovalPending {
		return nil, &TransitionError{Status: current.Status}
	}

	now := q.now()
	if current.ExpiredAt(now) {
		if _, err := q.expire(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrRequestExpired
	}

	resolved, err := q.store.CompareAndSwap(ctx, id, ApprovalPending, func(r *ApprovalRequest) {
		r.Status = target
		r.ReviewedBy = reviewedBy
		r.ReviewNotes = notes
		t := now
		r.ReviewedAt = &t
	})
	if err != nil {
		return nil, err
	}

	approvalDecisions.WithLabelValues(string(target)).Inc()
	if target == ApprovalApproved {
		approvalLatency.Observe(now.Sub(resolved.RequestedAt).Seconds())
	}
	q.logger.Info().
		Str("approval_id", id).
		Str("tenant_id", resolved.TenantID).
		Str("action", resolved.ActionType).
		Str("status", string(target)).
		Str("reviewed_by", reviewedBy).
		Msg("approval resolved")

	q.signal(id)
	q.broadcast(resolved.TenantID, EventApprovalResolved, resolved)
	return resolved, nil
}

func (q *ApprovalQueue) expire(ctx context.Context, id string) (*ApprovalRequest, error) {
	expired, err := q.store.CompareAndSwap(ctx, id, ApprovalPending, func(r *ApprovalRequest) {
		r.Status = ApprovalExpired
	})
	if err != nil {
		return nil, err
	}
	approvalDecisions.WithLabelValues(string(ApprovalExpired)).Inc()
	q.logger.Warn().
		Str("approval_id", id).
		Str("tenant_id", expired.TenantID).
		Str("action", expired.ActionType).
		Msg("approval request expired")
	q.signal(id)
	q.broadcast(expired.TenantID, EventApprovalResolved, expired)
	return expired, nil
}

// GetStats counts the tenant's requests by status. The average approval
// latency only covers approved requests and is 0 when there are none.
func (q *ApprovalQueue) GetStats(ctx context.Context, tenantID string) (*ApprovalStats, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id"}
	}
	all, err := q.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	stats := &ApprovalStats{TenantID: tenantID, Total: len(all)}
	var totalMs float64
	var timed int
	for _, req := range all {
		switch req.Status {
		case ApprovalPending:
			stats.Pending++
		case ApprovalApproved:
			stats.Approved++
			if req.ReviewedAt != nil {
				totalMs += float64(req.ReviewedAt.Sub(req.RequestedAt).Milliseconds())
				timed++
			}
		case ApprovalRejected:
			stats.Rejected++
		case ApprovalExpired:
			stats.Expired++
		}
	}
	if timed > 0 {
		stats.AvgApprovalTimeMs = totalMs / float64(timed)
	}
	return stats, nil
}

// WaitForApproval blocks until request id is decided, timeout elapses or
// ctx is done. A non-positive pollInterval uses the configured default; a
// non-positive timeout uses the configured wait timeout.
func (q *ApprovalQueue) WaitForApproval(ctx context.Context, id string, timeout, pollInterval time.Duration) WaitResult {
	if timeout <= 0 {
		timeout = q.cfg.WaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = q.cfg.PollInterval
	}

	notify, release := q.subscribe(id)
	defer release()

	if res, done := q.checkDecision(ctx, id); done {
		return res
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return WaitResult{Cancelled: true, Status: ApprovalPending}
		case <-deadline.C:
			return WaitResult{TimedOut: true, Status: ApprovalPending}
		case <-notify:
			notify = nil
		case <-ticker.C:
		}
		if res, done := q.checkDecision(ctx, id); done {
			return res
		}
	}
}

func (q *ApprovalQueue) checkDecision(ctx context.Context, id string) (WaitResult, bool) {
	req, err := q.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return WaitResult{}, true
		}
		if ctx.Err() == nil {
			q.logger.Warn().Err(err).Str("approval_id", id).Msg("approval status check failed")
		}
		return WaitResult{}, false
	}
	switch req.Status {
	case ApprovalApproved:
		return WaitResult{Approved: true, Status: req.Status}, true
	case ApprovalRejected, ApprovalExpired:
		return WaitResult{Status: req.Status}, true
	}
	if req.ExpiredAt(q.now()) {
		if _, err := q.expire(context.WithoutCancel(ctx), id); err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				// resolved concurrently, report what actually happened
				return WaitResult{Approved: te.Status == ApprovalApproved, Status: te.Status}, true
			}
			q.logger.Warn().Err(err).Str("approval_id", id).Msg("expiring overdue approval failed")
		}
		return WaitResult{Status: ApprovalExpired}, true
	}
	return WaitResult{}, false
}

func (q *ApprovalQueue) subscribe(id string) (<-chan struct{}, func()) {
	q.mu.Lock()
	w, ok := q.waiters[id]
	if !ok {
		w = &waitSignal{ch: make(chan struct{})}
		q.waiters[id] = w
	}
	w.refs++
	q.mu.Unlock()

	return w.ch, func() {
		q.mu.Lock()
		w.refs--
		if w.refs <= 0 && q.waiters[id] == w {
			delete(q.waiters, id)
		}
		q.mu.Unlock()
	}
}

func (q *ApprovalQueue) signal(id string) {
	q.mu.Lock()
	if w, ok := q.waiters[id]; ok {
		close(w.ch)
		delete(q.waiters, id)
	}
	q.mu.Unlock()
}

// detachCaller clears Synchronous on a still-pending request, handing the
// dispatch over to whoever approves it. If the request was resolved in the
// meantime the *TransitionError carries the final status.
func (q *ApprovalQueue) detachCaller(ctx context.Context, id string) (*ApprovalRequest, error) {
	return q.store.CompareAndSwap(context.WithoutCancel(ctx), id, ApprovalPending, func(r *ApprovalRequest) {
		r.Synchronous = false
	})
}

// waiterCount is used by tests to check that waits release their slot.
func (q *ApprovalQueue) waiterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// CleanupExpired flips every past-due pending request to expired and
// returns how many it changed. Per-record failures are logged and skipped.
func (q *ApprovalQueue) CleanupExpired(ctx context.Context) (int, error) {
	all, err := q.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	now := q.now()
	count := 0
	for _, req := range all {
		if req.Status != ApprovalPending || !req.ExpiredAt(now) {
			continue
		}
		if _, err := q.expire(ctx, req.ID); err != nil {
			if IsTransitionError(err) {
				// resolved between scan and swap
				continue
			}
			q.logger.Error().Err(err).Str("approval_id", req.ID).Str("tenant_id", req.TenantID).Msg("expiring approval failed")
			continue
		}
		count++
	}
	if count > 0 {
		q.logger.Info().Int("expired", count).Msg("expired stale approval requests")
	}
	return count, nil
}

// Start runs CleanupExpired every CleanupInterval until Stop or ctx ends.
func (q *ApprovalQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
					q.logger.Error().Err(err).Msg("approval cleanup sweep failed")
				}
			}
		}
	}()
	q.logger.Info().Dur("interval", q.cfg.CleanupInterval).Dur("ttl", q.cfg.TTL).Msg("approval cleanup started")
}

// Stop halts the cleanup loop.
func (q *ApprovalQueue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.logger.Info().Msg("approval queue stopped")
}

func (q *ApprovalQueue) broadcast(tenantID, event string, req *ApprovalRequest) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Str("tenant_id", tenantID).
				Str("event", event).
				Interface("panic", r).
				Msg("notification gateway panicked, recovered")
		}
	}()
	q.notifier.Broadcast(tenantID, event, req.Clone())
}
