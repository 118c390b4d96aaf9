package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testReloadEngine(t *testing.T, path string) *Engine {
	t.Helper()
	e, err := NewEngine(offlineConfig(), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Shutdown() })
	e.ConfigPath = path
	return e
}

func writeReloadConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReloadConfig_EmptyPath(t *testing.T) {
	e := testReloadEngine(t, "")
	if _, err := ReloadConfig(e); err == nil {
		t.Error("expected error for empty config path")
	}
}

func TestReloadConfig_NoChanges(t *testing.T) {
	e := testReloadEngine(t, filepath.Join(t.TempDir(), "missing.yaml"))
	changes, err := ReloadConfig(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0] != "no changes detected" {
		t.Errorf("changes = %v", changes)
	}
}

func TestReloadConfig_InvalidYAML(t *testing.T) {
	e := testReloadEngine(t, writeReloadConfig(t, "policy: [unclosed"))
	if _, err := ReloadConfig(e); err == nil {
		t.Error("expected parse error")
	}
}

func TestReloadConfig_ValidationErrorKeepsOldConfig(t *testing.T) {
	e := testReloadEngine(t, writeReloadConfig(t, "server:\n  port: 0\ndispatch:\n  mock_mode: false\n"))
	if _, err := ReloadConfig(e); err == nil {
		t.Fatal("expected validation error")
	}
	if !e.Dispatcher.MockMode() {
		t.Error("mock mode changed despite invalid config")
	}
}

func TestReloadConfig_PolicyApplied(t *testing.T) {
	e := testReloadEngine(t, writeReloadConfig(t, `
policy:
  sensitive_actions: [isolate_host, block_ip]
  auto_approve_thresholds:
    block_ip: medium
`))
	before := e.Response.Policy()

	changes, err := ReloadConfig(e)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(changes[0], "policy") {
		t.Errorf("changes = %v", changes)
	}
	p := e.Response.Policy()
	if p == before || p != e.Policy {
		t.Fatal("policy not swapped")
	}
	if p.IsSensitive("disable_user") {
		t.Error("disable_user should no longer be sensitive")
	}
	if p.RequiresApproval("block_ip", RiskMedium) {
		t.Error("block_ip at medium should auto-approve under the new threshold")
	}

	adm, err := e.Response.Submit(context.Background(), ActionIntent{
		TenantID: "t1", ActionType: "block_ip",
		Params:  map[string]any{"ip": "203.0.113.7"},
		Context: ApprovalContext{RiskLevel: RiskMedium},
	})
	if err != nil || adm.Decision != DecisionExecuted {
		t.Errorf("admission = %+v, %v", adm, err)
	}
}

func TestReloadConfig_MockMode(t *testing.T) {
	e := testReloadEngine(t, writeReloadConfig(t, "dispatch:\n  mock_mode: false\n"))
	changes, err := ReloadConfig(e)
	if err != nil {
		t.Fatal(err)
	}
	if e.Dispatcher.MockMode() || e.Config.Dispatch.MockMode {
		t.Error("mock mode still enabled")
	}
	if len(changes) != 1 || !strings.Contains(changes[0], "mock_mode") {
		t.Errorf("changes = %v", changes)
	}

	// Second reload of the same file is a no-op.
	changes, err = ReloadConfig(e)
	if err != nil || changes[0] != "no changes detected" {
		t.Errorf("changes = %v, %v", changes, err)
	}
}

func TestReloadConfig_Integrations(t *testing.T) {
	svc := newCredentialService(t)
	sealed, err := SealCredentials(context.Background(), svc, "t2", Credentials{URL: "https://s1", Token: "s1-tok"})
	if err != nil {
		t.Fatal(err)
	}
	path := writeReloadConfig(t, "integrations:\n  - tenant_id: t2\n    provider: sentinelone\n    credentials: \""+sealed+"\"\n")

	cfg := offlineConfig()
	cfg.Crypto.MasterKey = credsTestMasterHex
	e, err := NewEngine(cfg, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Shutdown()
	e.ConfigPath = path
	t.Setenv("ONESEC_MASTER_KEY", credsTestMasterHex)

	if _, err := ReloadConfig(e); err != nil {
		t.Fatal(err)
	}
	got, err := e.creds.GetDecryptedCredentials(context.Background(), "t2", "sentinelone")
	if err != nil || got == nil || got.Token != "s1-tok" {
		t.Errorf("creds = %+v, %v", got, err)
	}
}
