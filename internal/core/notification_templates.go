package core

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// notification_templates.go — webhook payload formatters for PagerDuty,
// Slack, Microsoft Teams, Discord and generic JSON.
//
// Each template turns an approval event into the JSON schema the target
// service expects, so reviewers get "approval needed" pages in the tools
// they already watch.
//
//   notifications:
//     webhook:
//       enabled: true
//       urls: ["https://events.pagerduty.com/v2/enqueue"]
//       template: pagerduty
//       routing_key: "YOUR_PD_ROUTING_KEY"
// ---------------------------------------------------------------------------

// NotificationTemplate formats an approval event into a service payload.
type NotificationTemplate interface {
	Format(env NotificationEnvelope) map[string]interface{}
	Name() string
}

// GetNotificationTemplate returns a template by name, or nil if unknown.
// routingKey is only used by PagerDuty.
func GetNotificationTemplate(name, routingKey string) NotificationTemplate {
	switch strings.ToLower(name) {
	case "pagerduty", "pd":
		return &PagerDutyTemplate{RoutingKey: routingKey}
	case "slack":
		return &SlackTemplate{}
	case "teams", "msteams":
		return &TeamsTemplate{}
	case "discord":
		return &DiscordTemplate{}
	case "generic", "":
		return &GenericTemplate{}
	default:
		return nil
	}
}

// ValidTemplateNames returns all supported template names.
func ValidTemplateNames() []string {
	return []string{"generic", "pagerduty", "slack", "teams", "discord"}
}

// approvalOf extracts the request carried by an approval event.
func approvalOf(env NotificationEnvelope) *ApprovalRequest {
	switch p := env.Payload.(type) {
	case *ApprovalEscalation:
		if p != nil && p.Request != nil {
			return p.Request
		}
	case *ApprovalRequest:
		if p != nil {
			return p
		}
	case ApprovalRequest:
		return &p
	}
	return &ApprovalRequest{TenantID: env.TenantID, ActionType: "unknown"}
}

func headline(env NotificationEnvelope, req *ApprovalRequest) string {
	switch env.Event {
	case EventApprovalResolved:
		return fmt.Sprintf("Approval %s: %s for %s", req.Status, req.ActionType, req.TenantID)
	case EventApprovalEscalated:
		n := 0
		if esc, ok := env.Payload.(*ApprovalEscalation); ok && esc != nil {
			n = esc.Reminder
		}
		return fmt.Sprintf("Approval overdue (reminder %d): %s for %s", n, req.ActionType, req.TenantID)
	}
	return fmt.Sprintf("Approval needed: %s for %s", req.ActionType, req.TenantID)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func describe(req *ApprovalRequest) string {
	if req.Context.Reason != "" {
		return truncate(req.Context.Reason, 500)
	}
	return fmt.Sprintf("%s requested %s", req.RequestedBy, req.ActionType)
}

// ---------------------------------------------------------------------------
// PagerDuty Events API v2
// ---------------------------------------------------------------------------

// PagerDutyTemplate triggers an incident when approval is requested and
// resolves it once the request reaches a terminal state.
type PagerDutyTemplate struct {
	RoutingKey string
}

func (t *PagerDutyTemplate) Name() string { return "pagerduty" }

func (t *PagerDutyTemplate) Format(env NotificationEnvelope) map[string]interface{} {
	req := approvalOf(env)

	action := "trigger"
	if env.Event == EventApprovalResolved {
		action = "resolve"
	}

	pdSeverity := "warning"
	switch req.Context.RiskLevel {
	case RiskCritical:
		pdSeverity = "critical"
	case RiskHigh:
		pdSeverity = "error"
	case RiskLow:
		pdSeverity = "info"
	}

	return map[string]interface{}{
		"routing_key":  t.RoutingKey,
		"event_action": action,
		"dedup_key":    "1sec-approval-" + req.ID,
		"payload": map[string]interface{}{
			"summary":   "[1SEC] " + headline(env, req),
			"source":    "1sec-respond",
			"severity":  pdSeverity,
			"component": req.ActionType,
			"group":     req.TenantID,
			"class":     "approval",
			"timestamp": env.Timestamp.Format(time.RFC3339),
			"custom_details": map[string]interface{}{
				"approval_id":       req.ID,
				"tenant_id":         req.TenantID,
				"action_type":       req.ActionType,
				"risk_level":        req.Context.RiskLevel.String(),
				"requested_by":      string(req.RequestedBy),
				"reason":            req.Context.Reason,
				"alert_id":          req.Context.AlertID,
				"case_id":           req.Context.CaseID,
				"ai_recommendation": req.Context.AIRecommendation,
				"status":            string(req.Status),
				"reviewed_by":       req.ReviewedBy,
				"expires_at":        req.ExpiresAt.Format(time.RFC3339),
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Slack Block Kit
// ---------------------------------------------------------------------------

type SlackTemplate struct{}

func (t *SlackTemplate) Name() string { return "slack" }

func (t *SlackTemplate) Format(env NotificationEnvelope) map[string]interface{} {
	req := approvalOf(env)
	emoji, color := statusStyle(env, req)

	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Action:*\n`%s`", req.ActionType)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:*\n%s", req.Context.RiskLevel)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Tenant:*\n%s", req.TenantID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Requested by:*\n%s", req.RequestedBy)},
	}
	if req.ReviewedBy != "" {
		fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*Reviewed by:*\n%s", req.ReviewedBy)})
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type": "plain_text",
				"text": fmt.Sprintf("%s %s", emoji, headline(env, req)),
			},
		},
		{
			"type": "section",
			"text": map[string]interface{}{"type": "mrkdwn", "text": describe(req)},
		},
		{
			"type":   "section",
			"fields": fields,
		},
		{
			"type": "context",
			"elements": []map[string]interface{}{
				{"type": "mrkdwn", "text": fmt.Sprintf("Approval ID: `%s` | expires %s", shortID(req.ID), req.ExpiresAt.Format(time.RFC3339))},
			},
		},
	}

	return map[string]interface{}{
		"blocks": blocks,
		"attachments": []map[string]interface{}{
			{"color": color, "blocks": []interface{}{}},
		},
	}
}

// statusStyle picks an emoji and hex color for the event.
func statusStyle(env NotificationEnvelope, req *ApprovalRequest) (string, string) {
	if env.Event == EventApprovalResolved {
		switch req.Status {
		case ApprovalApproved:
			return "✅", "#2e7d32"
		case ApprovalRejected:
			return "⛔", "#616161"
		default:
			return "⌛", "#9e9e9e"
		}
	}
	switch req.Context.RiskLevel {
	case RiskCritical:
		return "🚨", "#d32f2f"
	case RiskHigh:
		return "🔴", "#f44336"
	case RiskMedium:
		return "🟠", "#ff9800"
	default:
		return "🔵", "#2196f3"
	}
}

// ---------------------------------------------------------------------------
// Microsoft Teams MessageCard
// ---------------------------------------------------------------------------

type TeamsTemplate struct{}

func (t *TeamsTemplate) Name() string { return "teams" }

func (t *TeamsTemplate) Format(env NotificationEnvelope) map[string]interface{} {
	req := approvalOf(env)
	_, color := statusStyle(env, req)

	facts := []map[string]string{
		{"name": "Action", "value": req.ActionType},
		{"name": "Risk", "value": req.Context.RiskLevel.String()},
		{"name": "Tenant", "value": req.TenantID},
		{"name": "Approval ID", "value": shortID(req.ID)},
	}
	if req.ReviewedBy != "" {
		facts = append(facts, map[string]string{"name": "Reviewed by", "value": req.ReviewedBy})
	}

	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": strings.TrimPrefix(color, "#"),
		"summary":    "1SEC: " + headline(env, req),
		"sections": []map[string]interface{}{
			{
				"activityTitle":    "🛡️ " + headline(env, req),
				"activitySubtitle": env.Timestamp.Format(time.RFC3339),
				"facts":            facts,
				"text":             describe(req),
				"markdown":         true,
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Discord Embed
// ---------------------------------------------------------------------------

type DiscordTemplate struct{}

func (t *DiscordTemplate) Name() string { return "discord" }

func (t *DiscordTemplate) Format(env NotificationEnvelope) map[string]interface{} {
	req := approvalOf(env)
	_, hexColor := statusStyle(env, req)
	var color int
	fmt.Sscanf(strings.TrimPrefix(hexColor, "#"), "%x", &color)

	fields := []map[string]interface{}{
		{"name": "Action", "value": req.ActionType, "inline": true},
		{"name": "Risk", "value": req.Context.RiskLevel.String(), "inline": true},
		{"name": "Tenant", "value": req.TenantID, "inline": true},
	}

	return map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       "🛡️ " + headline(env, req),
				"description": describe(req),
				"color":       color,
				"fields":      fields,
				"footer":      map[string]string{"text": "Approval " + shortID(req.ID)},
				"timestamp":   env.Timestamp.Format(time.RFC3339),
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Generic JSON (the plain envelope)
// ---------------------------------------------------------------------------

type GenericTemplate struct{}

func (t *GenericTemplate) Name() string { return "generic" }

func (t *GenericTemplate) Format(env NotificationEnvelope) map[string]interface{} {
	return map[string]interface{}{
		"event":     env.Event,
		"tenant_id": env.TenantID,
		"timestamp": env.Timestamp,
		"payload":   env.Payload,
		"source":    "1sec-respond",
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
