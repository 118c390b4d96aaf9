package core

import (
	"strings"
)

// ---------------------------------------------------------------------------
// risk_policy.go — decides whether an action intent needs a human.
//
// Only actions in the sensitive set are ever gated. A sensitive action may
// carry an auto-approval threshold:
//   - medium: auto-approve low and medium, gate high and critical
//   - low:    auto-approve exactly low, gate everything else
//   - unset:  always gate
// ---------------------------------------------------------------------------

// DefaultSensitiveActions are the action ids that can require approval.
var DefaultSensitiveActions = []string{
	"block_ip",
	"isolate_host",
	"disable_user",
	"quarantine_file",
	"terminate_process",
	"revoke_session",
}

// DefaultAutoApproveThresholds returns the stock per-action thresholds.
func DefaultAutoApproveThresholds() map[string]RiskLevel {
	return map[string]RiskLevel{
		"block_ip":        RiskLow,
		"revoke_session":  RiskMedium,
		"quarantine_file": RiskLow,
	}
}

// PolicyConfig is the YAML shape of the risk policy.
type PolicyConfig struct {
	SensitiveActions []string          `yaml:"sensitive_actions" json:"sensitive_actions"`
	Thresholds       map[string]string `yaml:"auto_approve_thresholds" json:"auto_approve_thresholds"`
}

// DefaultPolicyConfig returns the stock policy.
func DefaultPolicyConfig() PolicyConfig {
	th := make(map[string]string)
	for action, lvl := range DefaultAutoApproveThresholds() {
		th[action] = lvl.String()
	}
	return PolicyConfig{
		SensitiveActions: append([]string(nil), DefaultSensitiveActions...),
		Thresholds:       th,
	}
}

// RiskPolicy is immutable after construction and safe for concurrent use.
type RiskPolicy struct {
	sensitive  map[string]struct{}
	thresholds map[string]RiskLevel
}

// NewRiskPolicy builds a policy from the given sensitive set and thresholds.
// Only low and medium are meaningful thresholds; anything else is dropped
// and the action falls back to always requiring approval.
func NewRiskPolicy(sensitive []string, thresholds map[string]RiskLevel) *RiskPolicy {
	p := &RiskPolicy{
		sensitive:  make(map[string]struct{}, len(sensitive)),
		thresholds: make(map[string]RiskLevel, len(thresholds)),
	}
	for _, a := range sensitive {
		p.sensitive[a] = struct{}{}
	}
	for a, lvl := range thresholds {
		if lvl == RiskLow || lvl == RiskMedium {
			p.thresholds[a] = lvl
		}
	}
	return p
}

// DefaultRiskPolicy returns the stock policy.
func DefaultRiskPolicy() *RiskPolicy {
	return NewRiskPolicy(DefaultSensitiveActions, DefaultAutoApproveThresholds())
}

// NewRiskPolicyFromConfig builds a policy from config. Unknown threshold
// strings are treated as unset (Config.Validate reports them).
func NewRiskPolicyFromConfig(cfg PolicyConfig) *RiskPolicy {
	sensitive := cfg.SensitiveActions
	if len(sensitive) == 0 {
		sensitive = DefaultSensitiveActions
	}
	th := make(map[string]RiskLevel, len(cfg.Thresholds))
	for action, raw := range cfg.Thresholds {
		lvl, err := ParseRiskLevel(raw)
		if err != nil {
			continue
		}
		th[strings.TrimSpace(action)] = lvl
	}
	return NewRiskPolicy(sensitive, th)
}

// IsSensitive reports whether actionType is in the sensitive set.
func (p *RiskPolicy) IsSensitive(actionType string) bool {
	_, ok := p.sensitive[actionType]
	return ok
}

// Threshold returns the auto-approval threshold for actionType, if any.
func (p *RiskPolicy) Threshold(actionType string) (RiskLevel, bool) {
	lvl, ok := p.thresholds[actionType]
	return lvl, ok
}

// RequiresApproval reports whether running actionType at risk needs a human.
func (p *RiskPolicy) RequiresApproval(actionType string, risk RiskLevel) bool {
	if !p.IsSensitive(actionType) {
		return false
	}
	threshold, ok := p.thresholds[actionType]
	if !ok {
		return true
	}
	switch threshold {
	case RiskMedium:
		return !(risk == RiskLow || risk == RiskMedium)
	case RiskLow:
		return risk != RiskLow
	default:
		return true
	}
}
