package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

func TestMultiNotifier_FanOutSurvivesPanic(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	m := NewMultiNotifier(zerolog.Nop(), a, nil, panickingNotifier{})
	m.Add(b)
	m.Add(nil)
	if m.Len() != 3 {
		t.Fatalf("Len = %d", m.Len())
	}

	m.Broadcast("t1", EventApprovalRequested, &ApprovalRequest{ID: "r1"})
	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 {
		t.Errorf("a=%d b=%d", len(a.snapshot()), len(b.snapshot()))
	}
}

func TestSubjectToken(t *testing.T) {
	cases := map[string]string{
		"":             "_",
		"acme":         "acme",
		"acme.corp":    "acme_corp",
		"a b*c>d":      "a_b_c_d",
		"APPROVAL_REQ": "APPROVAL_REQ",
	}
	for in, want := range cases {
		if got := SubjectToken(in); got != want {
			t.Errorf("SubjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBusNotifier_PublishesOnTenantSubject(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded NATS in -short mode")
	}
	bus := newTestBus(t)

	got := make(chan *nats.Msg, 4)
	if err := bus.Subscribe("sec.approvals.>", "", func(msg *nats.Msg) {
		msg.Ack()
		got <- msg
	}); err != nil {
		t.Fatal(err)
	}

	q := NewApprovalQueue(zerolog.Nop(), DefaultApprovalsConfig(), nil, WithNotifier(NewBusNotifier(bus, zerolog.Nop())))
	req, err := q.RequestApproval(context.Background(), "acme.eu", "isolate_host", map[string]any{"host_id": "h"},
		ApprovalContext{RiskLevel: RiskHigh}, RequestedByAIAgent)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		if msg.Subject != "sec.approvals.acme_eu.APPROVAL_REQUESTED" {
			t.Errorf("subject = %s", msg.Subject)
		}
		var env struct {
			Event    string          `json:"event"`
			TenantID string          `json:"tenant_id"`
			Payload  ApprovalRequest `json:"payload"`
		}
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Fatal(err)
		}
		if env.TenantID != "acme.eu" || env.Payload.ID != req.ID {
			t.Errorf("envelope = %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no approval notification published")
	}

	if m := bus.Metrics(); m["published"] < 1 {
		t.Errorf("metrics = %v", m)
	}
}

func TestBusNotifier_NilBus(t *testing.T) {
	NewBusNotifier(nil, zerolog.Nop()).Broadcast("t1", EventApprovalRequested, nil)
}
