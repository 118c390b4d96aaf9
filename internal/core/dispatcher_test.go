package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T, mock bool, creds CredentialStore) (*ActionDispatcher, *MemoryStepLog) {
	t.Helper()
	steps := NewMemoryStepLog()
	d := NewActionDispatcher(zerolog.Nop(), DispatchConfig{MockMode: mock, ProviderTimeout: 5 * time.Second},
		newTestCatalog(), creds, steps)
	return d, steps
}

func stepEntries(t *testing.T, steps ExecutionStepLog, stepID string) *StepResult {
	t.Helper()
	res, err := steps.GetCurrentResult(context.Background(), stepID)
	if err != nil {
		t.Fatalf("GetCurrentResult(%s): %v", stepID, err)
	}
	return res
}

type failingCreds struct{}

func (failingCreds) GetDecryptedCredentials(context.Context, string, string) (*Credentials, error) {
	return nil, errors.New("vault sealed")
}

type panickingExecutor struct{}

func (panickingExecutor) Name() string { return "flaky" }
func (panickingExecutor) Supports(string) bool { return true }
func (panickingExecutor) Execute(context.Context, *Credentials, EDRRequest) (ActionResult, error) {
	panic("driver bug")
}

// ─── validation ──────────────────────────────────────────────────────────────

func TestDispatcher_ValidationMessages(t *testing.T) {
	d, steps := newTestDispatcher(t, true, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  EDRRequest
		want string
	}{
		{"no provider", EDRRequest{Action: EDRIsolateHost}, "Missing required parameter: provider"},
		{"no agent", EDRRequest{Provider: "crowdstrike", Action: EDRIsolateHost}, "Missing required parameter: agent_id"},
		{"bad agent", EDRRequest{Provider: "crowdstrike", Action: EDRIsolateHost, Params: map[string]any{"agent_id": "a b;rm"}}, "Invalid parameter agent_id"},
		{"no pid", EDRRequest{Provider: "crowdstrike", Action: EDRKillProcess}, "Missing required parameter: process_id"},
		{"bad pid", EDRRequest{Provider: "crowdstrike", Action: EDRTerminateProcess, Params: map[string]any{"process_id": "-4"}}, "Invalid parameter process_id"},
		{"no hash", EDRRequest{Provider: "crowdstrike", Action: EDRBlockHash}, "Missing required parameter: hash"},
		{"bad hash", EDRRequest{Provider: "crowdstrike", Action: EDRQuarantineFile, Params: map[string]any{"hash": "xyz"}}, "Invalid parameter hash"},
		{"unknown provider", EDRRequest{Provider: "carbonblack", Action: EDRIsolateHost, Params: map[string]any{"agent_id": "a1"}}, "Unsupported EDR provider: carbonblack"},
		{"unsupported action", EDRRequest{Provider: "sentinelone", Action: "scan_host", Params: map[string]any{"agent_id": "a1"}}, "Unsupported EDR action scan_host for provider sentinelone"},
	}
	for _, tc := range cases {
		tc.req.TenantID = "t1"
		tc.req.ExecutionStepID = "step-" + strings.ReplaceAll(tc.name, " ", "-")
		res := d.ExecuteEDR(ctx, tc.req)
		if res.Success || !strings.HasPrefix(res.Error, tc.want) {
			t.Errorf("%s: error = %q, want prefix %q", tc.name, res.Error, tc.want)
			continue
		}
		got := stepEntries(t, steps, tc.req.ExecutionStepID)
		if len(got.Entries) != 1 || got.Entries[0].Status != AuditFailed {
			t.Errorf("%s: expected one failed entry, got %+v", tc.name, got.Entries)
		}
	}
}

func TestDispatcher_ProviderNormalized(t *testing.T) {
	d, _ := newTestDispatcher(t, true, nil)
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: " CrowdStrike ", Action: EDRIsolateHost,
		Params: map[string]any{"device_id": "dev-1"},
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data := res.Data.(map[string]any)
	if data["provider"] != "crowdstrike" || data["target"] != "dev-1" || data["simulated"] != true {
		t.Errorf("data = %v", data)
	}
}

func TestDispatcher_MockModeEveryFamily(t *testing.T) {
	d, _ := newTestDispatcher(t, true, nil)
	hash := strings.Repeat("ab", 32)
	cases := []struct {
		action string
		params map[string]any
		target string
	}{
		{EDRIsolateHost, map[string]any{"agent_id": "a1"}, "a1"},
		{EDRReleaseHost, map[string]any{"device_id": "d1"}, "d1"},
		{EDRTerminateProcess, map[string]any{"agent_id": "a1", "process_id": "42"}, "42"},
		{EDRKillProcess, map[string]any{"agent_id": "a1", "process_id": 42}, "42"},
		{EDRQuarantineFile, map[string]any{"hash": hash}, hash},
		{EDRBlockHash, map[string]any{"hash": hash}, hash},
	}
	for _, provider := range []string{"crowdstrike", "sentinelone"} {
		for _, tc := range cases {
			res := d.ExecuteEDR(context.Background(), EDRRequest{
				TenantID: "t1", Provider: provider, Action: tc.action, Params: tc.params,
			})
			want := "[mock] " + provider + " " + tc.action + " on " + tc.target
			if !res.Success || res.Output != want {
				t.Errorf("%s %s: result = %+v, want output %q", provider, tc.action, res, want)
			}
		}
	}
}

func TestDispatcher_HostIDAlias(t *testing.T) {
	d, _ := newTestDispatcher(t, true, nil)
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRIsolateHost,
		Params: map[string]any{"host_id": "web-01"},
	})
	if !res.Success || res.Data.(map[string]any)["target"] != "web-01" {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatcher_Providers(t *testing.T) {
	d, _ := newTestDispatcher(t, true, nil)
	got := d.Providers()
	sort.Strings(got)
	if strings.Join(got, ",") != "crowdstrike,sentinelone" {
		t.Errorf("providers = %v", got)
	}
}

// ─── credentials ─────────────────────────────────────────────────────────────

func TestDispatcher_CredentialsMissing(t *testing.T) {
	d, _ := newTestDispatcher(t, false, StaticCredentialStore{})
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRIsolateHost,
		Params: map[string]any{"agent_id": "a1"}, ExecutionStepID: "s1",
	})
	if res.Success || res.Error != "No credentials configured for crowdstrike" {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatcher_CredentialsFailed(t *testing.T) {
	d, _ := newTestDispatcher(t, false, failingCreds{})
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRIsolateHost,
		Params: map[string]any{"agent_id": "a1"},
	})
	if res.Success || res.Error != "Failed to load credentials for crowdstrike: vault sealed" {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatcher_MockModeSkipsCredentials(t *testing.T) {
	d, _ := newTestDispatcher(t, true, failingCreds{})
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "sentinelone", Action: EDRBlockHash,
		Params: map[string]any{"hash": strings.Repeat("ab", 32)},
	})
	if !res.Success || !strings.HasPrefix(res.Output, "[mock] sentinelone block_hash") {
		t.Errorf("result = %+v", res)
	}
}

// ─── audit bracket ───────────────────────────────────────────────────────────

func TestDispatcher_AuditBracket(t *testing.T) {
	d, steps := newTestDispatcher(t, true, nil)
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRIsolateHost,
		Params: map[string]any{"agent_id": "a1"}, ExecutionStepID: "step-9",
	})
	if !res.Success {
		t.Fatal(res.Error)
	}
	got := stepEntries(t, steps, "step-9")
	if len(got.Entries) != 2 {
		t.Fatalf("entries = %d", len(got.Entries))
	}
	open, closing := got.Entries[0], got.Entries[1]
	if open.Status != AuditAttempting || open.Result != nil {
		t.Errorf("opening entry = %+v", open)
	}
	if closing.Status != AuditCompleted || closing.Result == nil || !closing.Result.Success {
		t.Errorf("closing entry = %+v", closing)
	}
	if closing.Provider != "crowdstrike" || closing.ActionType != EDRIsolateHost {
		t.Errorf("closing entry labels = %s/%s", closing.Provider, closing.ActionType)
	}
	if got.LastAction == nil || got.LastAction.Status != AuditCompleted {
		t.Errorf("last action = %+v", got.LastAction)
	}
	if open.Timestamp.After(closing.Timestamp) {
		t.Error("entries out of order")
	}
}

func TestDispatcher_PanickingExecutor(t *testing.T) {
	d, steps := newTestDispatcher(t, false, StaticCredentialStore{"t1": {"flaky": {URL: "http://x", Token: "t"}}})
	d.RegisterExecutor(panickingExecutor{})

	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "flaky", Action: "anything", ExecutionStepID: "step-p",
	})
	if res.Success || !strings.Contains(res.Error, "driver bug") {
		t.Fatalf("result = %+v", res)
	}
	got := stepEntries(t, steps, "step-p")
	if len(got.Entries) != 2 || got.Entries[1].Status != AuditFailed {
		t.Errorf("entries = %+v", got.Entries)
	}
}

func TestDispatcher_ExecuteActionBuiltin(t *testing.T) {
	d, steps := newTestDispatcher(t, true, nil)
	res := d.ExecuteAction(context.Background(), "block_ip", ActionContext{
		TenantID: "t1", UserID: "u1", Inputs: map[string]any{"ip": "198.51.100.4"},
	}, "step-b")
	if !res.Success {
		t.Fatal(res.Error)
	}
	got := stepEntries(t, steps, "step-b")
	if len(got.Entries) != 2 || got.Entries[0].Provider != ProviderBuiltin {
		t.Errorf("entries = %+v", got.Entries)
	}
	if got.Entries[0].Request["user_id"] != "u1" {
		t.Errorf("request = %v", got.Entries[0].Request)
	}

	// A failing catalog action still closes its bracket.
	res = d.ExecuteAction(context.Background(), "block_ip", ActionContext{TenantID: "t1"}, "step-c")
	if res.Success {
		t.Fatal("expected failure")
	}
	if got := stepEntries(t, steps, "step-c"); got.LastAction.Status != AuditFailed {
		t.Errorf("last = %+v", got.LastAction)
	}
}

func TestDispatcher_MissingStepIDStillAudited(t *testing.T) {
	d, steps := newTestDispatcher(t, true, nil)
	ctx := context.Background()

	res := d.ExecuteAction(ctx, "log_only", ActionContext{TenantID: "t1"}, "")
	if !strings.HasPrefix(res.ExecutionStepID, "exec:") {
		t.Fatalf("step id = %q", res.ExecutionStepID)
	}
	if got := stepEntries(t, steps, res.ExecutionStepID); len(got.Entries) != 2 || got.LastAction.Status != AuditCompleted {
		t.Errorf("entries = %+v", got.Entries)
	}

	edr := d.ExecuteEDR(ctx, EDRRequest{TenantID: "t1", Provider: "crowdstrike", Action: EDRIsolateHost})
	if edr.Success || edr.ExecutionStepID == "" {
		t.Fatalf("result = %+v", edr)
	}
	if got := stepEntries(t, steps, edr.ExecutionStepID); len(got.Entries) != 1 || got.LastAction.Status != AuditFailed {
		t.Errorf("rejected entries = %+v", got.Entries)
	}

	if _, err := steps.GetCurrentResult(ctx, ""); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("nothing should be written under an empty id, err = %v", err)
	}
}

// ─── approved dispatch ───────────────────────────────────────────────────────

func TestDispatcher_DispatchApproved(t *testing.T) {
	d, steps := newTestDispatcher(t, true, nil)
	ctx := context.Background()

	pending := &ApprovalRequest{ID: "r1", TenantID: "t1", ActionType: "isolate_host", Status: ApprovalPending}
	if res := d.DispatchApproved(ctx, pending, ""); res.Success {
		t.Error("pending request must not dispatch")
	}
	if res := d.DispatchApproved(ctx, nil, ""); res.Success || res.Error != "Request not found" {
		t.Errorf("nil request = %+v", res)
	}

	approved := &ApprovalRequest{
		ID: "r2", TenantID: "t1", ActionType: "isolate_host", Status: ApprovalApproved,
		ActionParams: map[string]any{"host_id": "ws-7"}, ReviewedBy: "alice",
	}
	if res := d.DispatchApproved(ctx, approved, ""); !res.Success {
		t.Fatalf("catalog route: %s", res.Error)
	}
	got := stepEntries(t, steps, "approval:r2")
	if got.Entries[0].Provider != ProviderBuiltin || got.Entries[0].Request["user_id"] != "alice" {
		t.Errorf("entry = %+v", got.Entries[0])
	}

	edr := &ApprovalRequest{
		ID: "r3", TenantID: "t1", ActionType: EDRIsolateHost, Status: ApprovalApproved,
		ActionParams: map[string]any{"provider": "sentinelone", "agent_id": "agent-5"},
	}
	if res := d.DispatchApproved(ctx, edr, "step-r3"); !res.Success {
		t.Fatalf("edr route: %s", res.Error)
	}
	if got := stepEntries(t, steps, "step-r3"); got.LastAction.Provider != "sentinelone" {
		t.Errorf("provider = %s", got.LastAction.Provider)
	}
}

// ─── live provider (httptest) ────────────────────────────────────────────────

func TestDispatcher_CrowdStrikeLive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer falcon-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/devices/entities/devices-actions/v2" || r.URL.Query().Get("action_name") != "contain" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"resources": body.IDs})
	}))
	defer srv.Close()

	creds := StaticCredentialStore{"t1": {"crowdstrike": {URL: srv.URL, Token: "falcon-token"}}}
	d, _ := newTestDispatcher(t, false, creds)

	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRIsolateHost,
		Params: map[string]any{"agent_id": "abc123"},
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data := res.Data.(map[string]any)
	if ids, _ := data["resources"].([]any); len(ids) != 1 || ids[0] != "abc123" {
		t.Errorf("data = %v", data)
	}

	// Tenant without an integration never reaches the provider.
	before := calls.Load()
	res = d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t2", Provider: "crowdstrike", Action: EDRIsolateHost,
		Params: map[string]any{"agent_id": "abc123"},
	})
	if res.Success || calls.Load() != before {
		t.Errorf("t2 result = %+v, calls %d -> %d", res, before, calls.Load())
	}
}

func TestDispatcher_CrowdStrikeKillProcess(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var command map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/real-time-response/entities/sessions/v1":
			json.NewEncoder(w).Encode(map[string]any{"resources": []any{map[string]any{"session_id": "sess-1"}}})
		case "/real-time-response/entities/admin-command/v1":
			json.NewDecoder(r.Body).Decode(&command)
			json.NewEncoder(w).Encode(map[string]any{"resources": []any{map[string]any{"complete": true}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	creds := StaticCredentialStore{"t1": {"crowdstrike": {URL: srv.URL, Token: "falcon-token"}}}
	d, _ := newTestDispatcher(t, false, creds)
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRTerminateProcess,
		Params: map[string]any{"agent_id": "abc123", "process_id": "4242"},
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 {
		t.Fatalf("paths = %v", paths)
	}
	if command["session_id"] != "sess-1" || command["command_string"] != "kill 4242" || command["device_id"] != "abc123" {
		t.Errorf("command = %v", command)
	}
}

func TestDispatcher_LiveKillNeedsHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	creds := StaticCredentialStore{"t1": {
		"crowdstrike": {URL: srv.URL, Token: "x"},
		"sentinelone": {URL: srv.URL, Token: "y"},
	}}
	d, _ := newTestDispatcher(t, false, creds)

	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRKillProcess,
		Params: map[string]any{"process_id": "7"},
	})
	if res.Success || res.Error != "Missing required parameter: agent_id" {
		t.Errorf("crowdstrike result = %+v", res)
	}
	res = d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "sentinelone", Action: EDRKillProcess,
		Params: map[string]any{"agent_id": "a1", "process_id": "7"},
	})
	if res.Success || res.Error != "Missing required parameter: script_id" {
		t.Errorf("sentinelone result = %+v", res)
	}
	if calls.Load() != 0 {
		t.Errorf("provider called %d times", calls.Load())
	}
}

func TestDispatcher_SentinelOneQuarantine(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/web/api/v2.1/threats/mitigate/quarantine" || r.Header.Get("Authorization") != "ApiToken s1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"affected": 1}})
	}))
	defer srv.Close()

	hash := strings.Repeat("cd", 32)
	creds := StaticCredentialStore{"t1": {"sentinelone": {URL: srv.URL, Token: "s1"}}}
	d, _ := newTestDispatcher(t, false, creds)
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "sentinelone", Action: EDRQuarantineFile,
		Params: map[string]any{"hash": hash},
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	filter, _ := got["filter"].(map[string]any)
	if hashes, _ := filter["contentHashes"].([]any); len(hashes) != 1 || hashes[0] != hash {
		t.Errorf("body = %v", got)
	}
}

func TestDispatcher_ProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	creds := StaticCredentialStore{"t1": {"sentinelone": {URL: srv.URL, Token: "s1"}}}
	d, steps := newTestDispatcher(t, false, creds)
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "sentinelone", Action: EDRReleaseHost,
		Params: map[string]any{"agent_id": "a1"}, ExecutionStepID: "s-err",
	})
	if res.Success || !strings.Contains(res.Error, "HTTP 429") {
		t.Fatalf("result = %+v", res)
	}
	if got := stepEntries(t, steps, "s-err"); len(got.Entries) != 2 || got.LastAction.Status != AuditFailed {
		t.Errorf("entries = %+v", got.Entries)
	}
}

func TestDispatcher_MockModeToggle(t *testing.T) {
	d, _ := newTestDispatcher(t, true, nil)
	if !d.MockMode() {
		t.Fatal("expected mock mode")
	}
	d.SetMockMode(false)
	if d.MockMode() {
		t.Error("mock mode still on")
	}
	res := d.ExecuteEDR(context.Background(), EDRRequest{
		TenantID: "t1", Provider: "crowdstrike", Action: EDRIsolateHost,
		Params: map[string]any{"agent_id": "a1"},
	})
	if res.Error != "No credentials configured for crowdstrike" {
		t.Errorf("live mode should need credentials: %+v", res)
	}
}
