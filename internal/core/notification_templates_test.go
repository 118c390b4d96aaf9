package core

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func templateEnvelope(event string, status ApprovalStatus) NotificationEnvelope {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NotificationEnvelope{
		Event:     event,
		TenantID:  "acme",
		Timestamp: now,
		Payload: &ApprovalRequest{
			ID:          "0f8fad5b-d9cb-469f-a165-70867728950e",
			TenantID:    "acme",
			ActionType:  "isolate_host",
			Context:     ApprovalContext{Reason: "beaconing to known C2", RiskLevel: RiskCritical},
			RequestedBy: RequestedByAIAgent,
			Status:      status,
			ReviewedBy:  "alice",
			ExpiresAt:   now.Add(DefaultApprovalTTL),
		},
	}
}

// ─── Lookup ──────────────────────────────────────────────────────────────────

func TestGetNotificationTemplate(t *testing.T) {
	cases := map[string]string{
		"":          "generic",
		"generic":   "generic",
		"PD":        "pagerduty",
		"pagerduty": "pagerduty",
		"slack":     "slack",
		"msteams":   "teams",
		"discord":   "discord",
	}
	for name, want := range cases {
		tmpl := GetNotificationTemplate(name, "")
		if tmpl == nil || tmpl.Name() != want {
			t.Errorf("GetNotificationTemplate(%q) = %v, want %s", name, tmpl, want)
		}
	}
	if GetNotificationTemplate("carrier-pigeon", "") != nil {
		t.Error("unknown template should be nil")
	}
	for _, name := range ValidTemplateNames() {
		if GetNotificationTemplate(name, "") == nil {
			t.Errorf("valid name %q not resolvable", name)
		}
	}
}

// ─── PagerDuty ───────────────────────────────────────────────────────────────

func TestPagerDutyTemplate_TriggerThenResolve(t *testing.T) {
	tmpl := GetNotificationTemplate("pagerduty", "rk-123")

	trig := tmpl.Format(templateEnvelope(EventApprovalRequested, ApprovalPending))
	if trig["routing_key"] != "rk-123" || trig["event_action"] != "trigger" {
		t.Errorf("trigger = %v", trig)
	}
	payload := trig["payload"].(map[string]interface{})
	if payload["severity"] != "critical" {
		t.Errorf("severity = %v", payload["severity"])
	}
	if s := payload["summary"].(string); !strings.Contains(s, "Approval needed: isolate_host for acme") {
		t.Errorf("summary = %q", s)
	}

	res := tmpl.Format(templateEnvelope(EventApprovalResolved, ApprovalApproved))
	if res["event_action"] != "resolve" {
		t.Errorf("event_action = %v", res["event_action"])
	}
	if res["dedup_key"] != trig["dedup_key"] {
		t.Errorf("dedup keys differ: %v vs %v", res["dedup_key"], trig["dedup_key"])
	}
}

// ─── Chat templates ──────────────────────────────────────────────────────────

func TestChatTemplates_Render(t *testing.T) {
	for _, name := range []string{"slack", "teams", "discord"} {
		t.Run(name, func(t *testing.T) {
			out := GetNotificationTemplate(name, "").Format(templateEnvelope(EventApprovalResolved, ApprovalRejected))
			data, err := json.Marshal(out)
			if err != nil {
				t.Fatal(err)
			}
			body := string(data)
			for _, want := range []string{"Approval rejected: isolate_host for acme", "beaconing to known C2"} {
				if !strings.Contains(body, want) {
					t.Errorf("%s body missing %q: %s", name, want, body)
				}
			}
		})
	}
}

func TestDiscordTemplate_ColorIsNumeric(t *testing.T) {
	out := (&DiscordTemplate{}).Format(templateEnvelope(EventApprovalRequested, ApprovalPending))
	embed := out["embeds"].([]map[string]interface{})[0]
	if embed["color"] != 0xd32f2f {
		t.Errorf("color = %v", embed["color"])
	}
}

func TestTemplates_UnknownPayload(t *testing.T) {
	env := NotificationEnvelope{Event: EventApprovalRequested, TenantID: "acme", Payload: "not a request"}
	out := (&SlackTemplate{}).Format(env)
	data, _ := json.Marshal(out)
	if !strings.Contains(string(data), "unknown for acme") {
		t.Errorf("body = %s", data)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("ééééé", 3); got != "ééé..." {
		t.Errorf("got %q", got)
	}
}

// ─── Wiring ──────────────────────────────────────────────────────────────────

func TestWebhookNotifier_UsesTemplate(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testWebhookConfig(srv.URL)
	cfg.Template = "pagerduty"
	cfg.RoutingKey = "rk-9"
	n := NewWebhookNotifier(zerolog.Nop(), cfg)
	defer n.Stop()

	env := templateEnvelope(EventApprovalRequested, ApprovalPending)
	n.Broadcast("acme", env.Event, env.Payload)
	eventually(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	})

	var pd map[string]interface{}
	mu.Lock()
	err := json.Unmarshal(bodies[0], &pd)
	mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if pd["routing_key"] != "rk-9" || pd["event_action"] != "trigger" {
		t.Errorf("body = %v", pd)
	}
	if n.Stats()["template"] != "pagerduty" {
		t.Errorf("stats = %v", n.Stats())
	}
}

func TestWebhookNotifier_UnknownTemplateFallsBack(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.Template = "fax"
	n := NewWebhookNotifier(zerolog.Nop(), cfg)
	defer n.Stop()
	if n.Stats()["template"] != "generic" {
		t.Errorf("template = %v", n.Stats()["template"])
	}
}
