package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// edr.go — provider executors for endpoint response actions.
//
// Executors are thin HTTP adapters: they translate one action into one
// provider call. Retries, credentials and audit are the dispatcher's job.
// ---------------------------------------------------------------------------

// EDR action ids understood by the dispatcher.
const (
	EDRIsolateHost      = "isolate_host"
	EDRReleaseHost      = "release_host"
	EDRTerminateProcess = "terminate_process"
	EDRKillProcess      = "kill_process"
	EDRQuarantineFile   = "quarantine_file"
	EDRBlockHash        = "block_hash"
)

// EDRRequest is one provider-bound action.
type EDRRequest struct {
	TenantID        string         `json:"tenant_id"`
	Provider        string         `json:"provider"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params,omitempty"`
	ExecutionStepID string         `json:"execution_step_id,omitempty"`
	RequestedBy     string         `json:"requested_by,omitempty"`
}

func (r EDRRequest) param(name string) string {
	v, ok := r.Params[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprintf("%v", v)
}

// hostID returns agent_id, falling back to device_id and then host_id,
// the key the catalog's isolate_host takes.
func (r EDRRequest) hostID() string {
	for _, k := range []string{"agent_id", "device_id", "host_id"} {
		if id := r.param(k); id != "" {
			return id
		}
	}
	return ""
}

// EDRExecutor performs actions against one provider.
type EDRExecutor interface {
	Name() string
	Supports(action string) bool
	Execute(ctx context.Context, creds *Credentials, req EDRRequest) (ActionResult, error)
}

// providerClient is the shared HTTP plumbing for the vendor adapters.
type providerClient struct {
	client     *http.Client
	authHeader func(token string) (string, string)
}

func (c *providerClient) call(ctx context.Context, creds *Credentials, method, path string, body any) (map[string]any, error) {
	if creds == nil || creds.URL == "" {
		return nil, fmt.Errorf("provider url not configured")
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(creds.URL, "/")+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	k, v := c.authHeader(creds.Token)
	req.Header.Set(k, v)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, msg)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}
	return out, nil
}

func newProviderClient(timeout time.Duration, auth func(string) (string, string)) providerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return providerClient{client: &http.Client{Timeout: timeout}, authHeader: auth}
}

// CrowdStrikeExecutor drives the Falcon host and IOC APIs.
type CrowdStrikeExecutor struct {
	providerClient
}

// NewCrowdStrikeExecutor creates a Falcon adapter.
func NewCrowdStrikeExecutor(timeout time.Duration) *CrowdStrikeExecutor {
	return &CrowdStrikeExecutor{newProviderClient(timeout, func(tok string) (string, string) {
		return "Authorization", "Bearer " + tok
	})}
}

func (e *CrowdStrikeExecutor) Name() string { return "crowdstrike" }

func (e *CrowdStrikeExecutor) Supports(action string) bool {
	switch action {
	case EDRIsolateHost, EDRReleaseHost, EDRBlockHash, EDRQuarantineFile,
		EDRTerminateProcess, EDRKillProcess:
		return true
	}
	return false
}

func (e *CrowdStrikeExecutor) Execute(ctx context.Context, creds *Credentials, req EDRRequest) (ActionResult, error) {
	var (
		path string
		body any
	)
	switch req.Action {
	case EDRTerminateProcess, EDRKillProcess:
		return e.killProcess(ctx, creds, req)
	case EDRIsolateHost:
		path = "/devices/entities/devices-actions/v2?action_name=contain"
		body = map[string]any{"ids": []string{req.hostID()}}
	case EDRReleaseHost:
		path = "/devices/entities/devices-actions/v2?action_name=lift_containment"
		body = map[string]any{"ids": []string{req.hostID()}}
	case EDRBlockHash, EDRQuarantineFile:
		action := "prevent"
		if req.Action == EDRQuarantineFile {
			action = "prevent_no_ui"
		}
		path = "/iocs/entities/indicators/v1"
		body = map[string]any{"indicators": []map[string]any{{
			"type":        "sha256",
			"value":       req.param("hash"),
			"action":      action,
			"severity":    "high",
			"platforms":   []string{"windows", "mac", "linux"},
			"description": "1sec-respond " + req.Action,
		}}}
	default:
		return ActionResult{}, fmt.Errorf("Unsupported EDR action %s for provider %s", req.Action, e.Name())
	}

	resp, err := e.call(ctx, creds, http.MethodPost, path, body)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Success: true,
		Output:  fmt.Sprintf("crowdstrike %s accepted", req.Action),
		Data:    resp,
	}, nil
}

// killProcess opens a Real Time Response session on the host and runs
// "kill <pid>" through the admin command endpoint.
func (e *CrowdStrikeExecutor) killProcess(ctx context.Context, creds *Credentials, req EDRRequest) (ActionResult, error) {
	host := req.hostID()
	if host == "" {
		return ActionResult{}, &ValidationError{Field: "agent_id"}
	}
	pid := req.param("process_id")

	sess, err := e.call(ctx, creds, http.MethodPost, "/real-time-response/entities/sessions/v1",
		map[string]any{"device_id": host, "origin": "1sec-respond"})
	if err != nil {
		return ActionResult{}, fmt.Errorf("opening RTR session: %w", err)
	}
	sessionID := firstResourceField(sess, "session_id")
	if sessionID == "" {
		return ActionResult{}, fmt.Errorf("opening RTR session: no session id in response")
	}

	resp, err := e.call(ctx, creds, http.MethodPost, "/real-time-response/entities/admin-command/v1", map[string]any{
		"base_command":   "kill",
		"command_string": "kill " + pid,
		"session_id":     sessionID,
		"device_id":      host,
		"persist":        false,
	})
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Success: true,
		Output:  fmt.Sprintf("crowdstrike %s %s on %s accepted", req.Action, pid, host),
		Data:    resp,
	}, nil
}

// firstResourceField reads resources[0][field] from a Falcon response.
func firstResourceField(resp map[string]any, field string) string {
	res, _ := resp["resources"].([]any)
	if len(res) == 0 {
		return ""
	}
	m, _ := res[0].(map[string]any)
	s, _ := m[field].(string)
	return s
}

// SentinelOneExecutor drives the SentinelOne management API.
type SentinelOneExecutor struct {
	providerClient
}

// NewSentinelOneExecutor creates a SentinelOne adapter.
func NewSentinelOneExecutor(timeout time.Duration) *SentinelOneExecutor {
	return &SentinelOneExecutor{newProviderClient(timeout, func(tok string) (string, string) {
		return "Authorization", "ApiToken " + tok
	})}
}

func (e *SentinelOneExecutor) Name() string { return "sentinelone" }

func (e *SentinelOneExecutor) Supports(action string) bool {
	switch action {
	case EDRIsolateHost, EDRReleaseHost, EDRBlockHash, EDRQuarantineFile,
		EDRTerminateProcess, EDRKillProcess:
		return true
	}
	return false
}

func (e *SentinelOneExecutor) Execute(ctx context.Context, creds *Credentials, req EDRRequest) (ActionResult, error) {
	var (
		path string
		body any
	)
	switch req.Action {
	case EDRIsolateHost:
		path = "/web/api/v2.1/agents/actions/disconnect"
		body = map[string]any{"filter": map[string]any{"ids": []string{req.hostID()}}}
	case EDRReleaseHost:
		path = "/web/api/v2.1/agents/actions/connect"
		body = map[string]any{"filter": map[string]any{"ids": []string{req.hostID()}}}
	case EDRBlockHash:
		osType := req.param("os_type")
		if osType == "" {
			osType = "windows"
		}
		path = "/web/api/v2.1/restrictions"
		body = map[string]any{"data": map[string]any{
			"type":        "black_hash",
			"value":       req.param("hash"),
			"osType":      osType,
			"description": "1sec-respond block_hash",
		}}
	case EDRQuarantineFile:
		path = "/web/api/v2.1/threats/mitigate/quarantine"
		body = map[string]any{"filter": map[string]any{"contentHashes": []string{req.param("hash")}}}
	case EDRTerminateProcess, EDRKillProcess:
		// Process kills run through a remote script uploaded to the console
		// that takes the pid as its only input.
		host, script := req.hostID(), req.param("script_id")
		if host == "" {
			return ActionResult{}, &ValidationError{Field: "agent_id"}
		}
		if script == "" {
			return ActionResult{}, &ValidationError{Field: "script_id"}
		}
		path = "/web/api/v2.1/remote-scripts/execute"
		body = map[string]any{
			"filter": map[string]any{"ids": []string{host}},
			"data": map[string]any{
				"scriptId":          script,
				"inputParams":       req.param("process_id"),
				"taskDescription":   "1sec-respond " + req.Action,
				"outputDestination": "SentinelCloud",
			},
		}
	default:
		return ActionResult{}, fmt.Errorf("Unsupported EDR action %s for provider %s", req.Action, e.Name())
	}

	resp, err := e.call(ctx, creds, http.MethodPost, path, body)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Success: true,
		Output:  fmt.Sprintf("sentinelone %s accepted", req.Action),
		Data:    resp,
	}, nil
}

// MockEDRExecutor simulates any provider with a fixed latency.
type MockEDRExecutor struct {
	latency time.Duration
}

// NewMockEDRExecutor creates a simulator.
func NewMockEDRExecutor(latency time.Duration) *MockEDRExecutor {
	return &MockEDRExecutor{latency: latency}
}

func (m *MockEDRExecutor) Name() string { return "mock" }

func (m *MockEDRExecutor) Supports(string) bool { return true }

func (m *MockEDRExecutor) Execute(ctx context.Context, _ *Credentials, req EDRRequest) (ActionResult, error) {
	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ActionResult{}, ctx.Err()
		case <-t.C:
		}
	}

	target := req.hostID()
	switch req.Action {
	case EDRTerminateProcess, EDRKillProcess:
		target = req.param("process_id")
	case EDRQuarantineFile, EDRBlockHash:
		target = req.param("hash")
	}
	return ActionResult{
		Success: true,
		Output:  fmt.Sprintf("[mock] %s %s on %s", req.Provider, req.Action, target),
		Data: map[string]any{
			"provider":  req.Provider,
			"action":    req.Action,
			"target":    target,
			"simulated": true,
		},
	}, nil
}
