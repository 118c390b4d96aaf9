package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type escalationRecorder struct {
	mu   sync.Mutex
	sent []*ApprovalEscalation
}

func (r *escalationRecorder) Broadcast(_, event string, payload any) {
	if esc, ok := payload.(*ApprovalEscalation); ok && event == EventApprovalEscalated {
		r.mu.Lock()
		r.sent = append(r.sent, esc)
		r.mu.Unlock()
	}
}

func (r *escalationRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func fastEscalation(max int) EscalationConfig {
	return EscalationConfig{
		Enabled: true,
		Timers: map[string]EscalationTimer{
			"HIGH": {After: 20 * time.Millisecond, MaxReminders: max},
		},
	}
}

func pendingRequest(id string, risk RiskLevel) *ApprovalRequest {
	now := time.Now().UTC()
	return &ApprovalRequest{
		ID:          id,
		TenantID:    "acme",
		ActionType:  "isolate_host",
		Context:     ApprovalContext{RiskLevel: risk},
		RequestedAt: now,
		Status:      ApprovalPending,
		ExpiresAt:   now.Add(time.Hour),
	}
}

// ─── Track / remind ──────────────────────────────────────────────────────────

func TestEscalator_RemindsUntilMax(t *testing.T) {
	rec := &escalationRecorder{}
	ae := NewApprovalEscalator(zerolog.Nop(), fastEscalation(2), nil, rec)
	defer ae.Stop()

	ae.Broadcast("acme", EventApprovalRequested, pendingRequest("r1", RiskHigh))
	eventually(t, "two reminders", func() bool { return rec.count() == 2 })

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 2 {
		t.Errorf("reminders = %d, want 2", rec.count())
	}
	rec.mu.Lock()
	first, second := rec.sent[0], rec.sent[1]
	rec.mu.Unlock()
	if first.Reminder != 1 || second.Reminder != 2 || first.ApprovalID != "r1" || first.Request == nil {
		t.Errorf("escalations = %+v, %+v", first, second)
	}
	if st := ae.Stats(); st["tracked"] != 0 || st["reminders_sent"] != 2 {
		t.Errorf("stats = %v", st)
	}
}

func TestEscalator_ResolvedCancels(t *testing.T) {
	rec := &escalationRecorder{}
	cfg := EscalationConfig{Enabled: true, Timers: map[string]EscalationTimer{
		"high": {After: 50 * time.Millisecond, MaxReminders: 1},
	}}
	ae := NewApprovalEscalator(zerolog.Nop(), cfg, nil, rec)
	defer ae.Stop()

	req := pendingRequest("r1", RiskHigh)
	ae.Broadcast("acme", EventApprovalRequested, req)
	resolved := req.Clone()
	resolved.Status = ApprovalApproved
	ae.Broadcast("acme", EventApprovalResolved, resolved)

	time.Sleep(120 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("reminders = %d after resolution", rec.count())
	}
}

func TestEscalator_LookupSeesResolution(t *testing.T) {
	rec := &escalationRecorder{}
	lookup := func(_ context.Context, id string) (*ApprovalRequest, error) {
		r := pendingRequest(id, RiskHigh)
		r.Status = ApprovalRejected
		return r, nil
	}
	ae := NewApprovalEscalator(zerolog.Nop(), fastEscalation(3), lookup, rec)
	defer ae.Stop()

	ae.Track(pendingRequest("r1", RiskHigh))
	eventually(t, "untracked", func() bool { return ae.Stats()["tracked"] == 0 })
	if rec.count() != 0 {
		t.Errorf("reminders = %d for a rejected request", rec.count())
	}
}

func TestEscalator_LookupErrorStopsTracking(t *testing.T) {
	lookup := func(context.Context, string) (*ApprovalRequest, error) { return nil, errors.New("store down") }
	ae := NewApprovalEscalator(zerolog.Nop(), fastEscalation(3), lookup, nil)
	defer ae.Stop()

	ae.Track(pendingRequest("r1", RiskHigh))
	eventually(t, "untracked", func() bool { return ae.Stats()["tracked"] == 0 })
}

func TestEscalator_ExpiredNotReminded(t *testing.T) {
	rec := &escalationRecorder{}
	ae := NewApprovalEscalator(zerolog.Nop(), fastEscalation(3), nil, rec)
	ae.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	defer ae.Stop()

	ae.Track(pendingRequest("r1", RiskHigh))
	eventually(t, "untracked", func() bool { return ae.Stats()["tracked"] == 0 })
	if rec.count() != 0 {
		t.Errorf("reminders = %d for an expired request", rec.count())
	}
}

func TestEscalator_IgnoresUntimedAndDisabled(t *testing.T) {
	ae := NewApprovalEscalator(zerolog.Nop(), fastEscalation(1), nil, nil)
	defer ae.Stop()
	ae.Track(pendingRequest("low", RiskLow))
	ae.Broadcast("acme", EventApprovalRequested, "not a request")
	if ae.Stats()["tracked"] != 0 {
		t.Error("low risk has no timer and should not be tracked")
	}

	cfg := fastEscalation(1)
	cfg.Enabled = false
	off := NewApprovalEscalator(zerolog.Nop(), cfg, nil, nil)
	defer off.Stop()
	off.Track(pendingRequest("r1", RiskHigh))
	if off.Stats()["tracked"] != 0 {
		t.Error("disabled escalator tracked a request")
	}
}

func TestEscalator_StopClearsTimers(t *testing.T) {
	rec := &escalationRecorder{}
	ae := NewApprovalEscalator(zerolog.Nop(), fastEscalation(1), nil, rec)
	ae.Track(pendingRequest("r1", RiskHigh))
	ae.Stop()
	ae.Track(pendingRequest("r2", RiskHigh))

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 || ae.Stats()["tracked"] != 0 {
		t.Errorf("reminders = %d, stats = %v after Stop", rec.count(), ae.Stats())
	}
}

// ─── Queue integration ───────────────────────────────────────────────────────

func TestEscalator_WithQueue(t *testing.T) {
	rec := &escalationRecorder{}
	multi := NewMultiNotifier(zerolog.Nop(), rec)
	q := NewApprovalQueue(zerolog.Nop(), DefaultApprovalsConfig(), nil, WithNotifier(multi))
	defer q.Stop()

	ae := NewApprovalEscalator(zerolog.Nop(), fastEscalation(5), q.Get, rec)
	defer ae.Stop()
	multi.Add(ae)

	req, err := q.RequestApproval(context.Background(), "acme", "isolate_host",
		map[string]any{"host_id": "ws-1"}, ApprovalContext{Reason: "c2", RiskLevel: RiskHigh}, RequestedByAIAgent)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "first reminder", func() bool { return rec.count() >= 1 })

	if _, err := q.Approve(context.Background(), req.ID, "alice", ""); err != nil {
		t.Fatal(err)
	}
	eventually(t, "untracked", func() bool { return ae.Stats()["tracked"] == 0 })
	n := rec.count()
	time.Sleep(60 * time.Millisecond)
	if rec.count() != n {
		t.Errorf("reminders kept coming after approval: %d -> %d", n, rec.count())
	}
}
