package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// escalation.go — reminders for approval requests nobody has reviewed.
//
// A critical isolate_host request that sits pending for ten minutes needs
// to be pushed at reviewers again. The escalator listens to the queue's
// notifications like any other gateway:
//   - APPROVAL_REQUESTED starts a timer chosen by the request's risk level
//   - APPROVAL_RESOLVED cancels it
//   - on timeout, if the request is still pending, APPROVAL_ESCALATED is
//     broadcast and the timer re-arms until MaxReminders is reached
// ---------------------------------------------------------------------------

// EventApprovalEscalated is broadcast when a pending request is overdue.
const EventApprovalEscalated = "APPROVAL_ESCALATED"

// EscalationConfig controls approval reminders.
type EscalationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Timers are keyed by risk level name (low, medium, high, critical).
	Timers map[string]EscalationTimer `yaml:"timers" json:"timers"`
}

// EscalationTimer defines how long a request may wait before a reminder.
type EscalationTimer struct {
	After        time.Duration `yaml:"after" json:"after"`
	MaxReminders int           `yaml:"max_reminders" json:"max_reminders"`
}

// DefaultEscalationConfig returns sane defaults.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Enabled: false,
		Timers: map[string]EscalationTimer{
			"critical": {After: 5 * time.Minute, MaxReminders: 3},
			"high":     {After: 15 * time.Minute, MaxReminders: 2},
			"medium":   {After: 30 * time.Minute, MaxReminders: 1},
		},
	}
}

// ApprovalEscalation is the payload of EventApprovalEscalated.
type ApprovalEscalation struct {
	ApprovalID string           `json:"approval_id"`
	TenantID   string           `json:"tenant_id"`
	ActionType string           `json:"action_type"`
	RiskLevel  RiskLevel        `json:"risk_level"`
	Reminder   int              `json:"reminder"`
	PendingFor time.Duration    `json:"pending_for_ns"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Timestamp  time.Time        `json:"timestamp"`
	Request    *ApprovalRequest `json:"request"`
}

// ApprovalLookup fetches the current state of a request.
type ApprovalLookup func(ctx context.Context, id string) (*ApprovalRequest, error)

type trackedApproval struct {
	req       *ApprovalRequest
	timer     *time.Timer
	reminders int
	max       int
	after     time.Duration
}

// ApprovalEscalator re-notifies reviewers about overdue pending requests.
type ApprovalEscalator struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	cfg      EscalationConfig
	lookup   ApprovalLookup
	notifier NotificationGateway
	tracked  map[string]*trackedApproval
	sent     int
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewApprovalEscalator creates an escalator. Reminders go to notifier.
func NewApprovalEscalator(logger zerolog.Logger, cfg EscalationConfig, lookup ApprovalLookup, notifier NotificationGateway) *ApprovalEscalator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	timers := make(map[string]EscalationTimer, len(cfg.Timers))
	for k, v := range cfg.Timers {
		timers[strings.ToLower(k)] = v
	}
	cfg.Timers = timers
	ctx, cancel := context.WithCancel(context.Background())
	return &ApprovalEscalator{
		logger:   logger.With().Str("component", "approval_escalator").Logger(),
		cfg:      cfg,
		lookup:   lookup,
		notifier: notifier,
		tracked:  make(map[string]*trackedApproval),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Broadcast implements NotificationGateway.
func (ae *ApprovalEscalator) Broadcast(_ string, event string, payload any) {
	req, ok := payload.(*ApprovalRequest)
	if !ok || req == nil {
		return
	}
	switch event {
	case EventApprovalRequested:
		ae.Track(req)
	case EventApprovalResolved:
		ae.Acknowledge(req.ID)
	}
}

// Track starts the reminder timer for a pending request.
func (ae *ApprovalEscalator) Track(req *ApprovalRequest) {
	if !ae.cfg.Enabled || req.Status != ApprovalPending {
		return
	}
	timer, ok := ae.cfg.Timers[req.Context.RiskLevel.String()]
	if !ok || timer.After <= 0 || timer.MaxReminders <= 0 {
		return
	}

	ae.mu.Lock()
	defer ae.mu.Unlock()
	if ae.ctx.Err() != nil {
		return
	}
	if _, exists := ae.tracked[req.ID]; exists {
		return
	}

	id := req.ID
	ta := &trackedApproval{req: req.Clone(), max: timer.MaxReminders, after: timer.After}
	ta.timer = time.AfterFunc(timer.After, func() { ae.remind(id) })
	ae.tracked[id] = ta

	ae.logger.Debug().
		Str("approval_id", id).
		Str("risk_level", req.Context.RiskLevel.String()).
		Dur("after", timer.After).
		Msg("approval tracked for escalation")
}

// Acknowledge cancels reminders for a request.
func (ae *ApprovalEscalator) Acknowledge(id string) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	if ta, ok := ae.tracked[id]; ok {
		ta.timer.Stop()
		delete(ae.tracked, id)
		ae.logger.Debug().Str("approval_id", id).Msg("escalation cancelled, request resolved")
	}
}

func (ae *ApprovalEscalator) remind(id string) {
	if ae.ctx.Err() != nil {
		return
	}

	ae.mu.Lock()
	ta, ok := ae.tracked[id]
	ae.mu.Unlock()
	if !ok {
		return
	}

	// re-check the queue: lazy expiry may not have been observed yet
	current := ta.req
	if ae.lookup != nil {
		ctx, cancel := context.WithTimeout(ae.ctx, 5*time.Second)
		got, err := ae.lookup(ctx, id)
		cancel()
		if err != nil {
			ae.logger.Warn().Err(err).Str("approval_id", id).Msg("escalation lookup failed")
			ae.Acknowledge(id)
			return
		}
		current = got
	}
	now := ae.now().UTC()
	if current.Status != ApprovalPending || current.ExpiredAt(now) {
		ae.Acknowledge(id)
		return
	}

	ae.mu.Lock()
	if _, still := ae.tracked[id]; !still {
		ae.mu.Unlock()
		return
	}
	ta.reminders++
	n := ta.reminders
	if n < ta.max {
		ta.timer = time.AfterFunc(ta.after, func() { ae.remind(id) })
	} else {
		delete(ae.tracked, id)
	}
	ae.sent++
	ae.mu.Unlock()

	esc := &ApprovalEscalation{
		ApprovalID: id,
		TenantID:   current.TenantID,
		ActionType: current.ActionType,
		RiskLevel:  current.Context.RiskLevel,
		Reminder:   n,
		PendingFor: now.Sub(current.RequestedAt),
		ExpiresAt:  current.ExpiresAt,
		Timestamp:  now,
		Request:    current.Clone(),
	}
	approvalEscalations.Inc()
	ae.logger.Warn().
		Str("approval_id", id).
		Str("tenant_id", current.TenantID).
		Str("action_type", current.ActionType).
		Int("reminder", n).
		Dur("pending_for", esc.PendingFor).
		Msg("approval overdue, reminding reviewers")

	ae.notifier.Broadcast(current.TenantID, EventApprovalEscalated, esc)
}

// Stats returns current escalation state.
func (ae *ApprovalEscalator) Stats() map[string]interface{} {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return map[string]interface{}{
		"enabled":        ae.cfg.Enabled,
		"tracked":        len(ae.tracked),
		"reminders_sent": ae.sent,
	}
}

// Stop cancels all pending reminder timers.
func (ae *ApprovalEscalator) Stop() {
	ae.cancel()
	ae.mu.Lock()
	defer ae.mu.Unlock()
	for _, ta := range ae.tracked {
		ta.timer.Stop()
	}
	ae.tracked = make(map[string]*trackedApproval)
	ae.logger.Info().Msg("approval escalator stopped")
}
