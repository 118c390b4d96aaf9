package core

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ReloadConfig re-reads the engine's config file and applies the settings
// that can change without a restart. It returns a description of each
// change.
//
// Hot-reloadable settings:
//   - policy.sensitive_actions and policy.auto_approve_thresholds
//   - dispatch.mock_mode
//   - integrations (sealed credentials are added or replaced)
//
// Everything else (bus, server, storage, approvals, webhooks, logging)
// requires a restart.
func ReloadConfig(e *Engine) ([]string, error) {
	if e.ConfigPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	newCfg, err := LoadConfig(e.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	_, errs := newCfg.Validate()
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	var changes []string

	if !policyConfigEqual(e.Config.Policy, newCfg.Policy) {
		p := NewRiskPolicyFromConfig(newCfg.Policy)
		e.Response.SetPolicy(p)
		e.Policy = p
		e.Config.Policy = newCfg.Policy
		changes = append(changes, fmt.Sprintf("policy → %d sensitive actions, %d thresholds",
			len(newCfg.Policy.SensitiveActions), len(newCfg.Policy.Thresholds)))
	}

	if newCfg.Dispatch.MockMode != e.Dispatcher.MockMode() {
		e.Dispatcher.SetMockMode(newCfg.Dispatch.MockMode)
		e.Config.Dispatch.MockMode = newCfg.Dispatch.MockMode
		changes = append(changes, fmt.Sprintf("dispatch.mock_mode → %v", newCfg.Dispatch.MockMode))
	}

	if len(newCfg.Integrations) > 0 {
		if store, ok := e.creds.(*EncryptedCredentialStore); ok {
			store.Load(newCfg.Integrations)
			e.Config.Integrations = newCfg.Integrations
			changes = append(changes, fmt.Sprintf("integrations → %d loaded", len(newCfg.Integrations)))
		}
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	e.Logger.Info().Strs("changes", changes).Str("path", e.ConfigPath).Msg("configuration reloaded")
	return changes, nil
}

func policyConfigEqual(a, b PolicyConfig) bool {
	sa := append([]string(nil), a.SensitiveActions...)
	sb := append([]string(nil), b.SensitiveActions...)
	sort.Strings(sa)
	sort.Strings(sb)
	if !slices.Equal(sa, sb) || len(a.Thresholds) != len(b.Thresholds) {
		return false
	}
	for k, v := range a.Thresholds {
		if !strings.EqualFold(b.Thresholds[k], v) {
			return false
		}
	}
	return true
}
