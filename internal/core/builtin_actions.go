package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// builtin_actions.go — the stock response catalog.
//
// Built-ins validate their inputs and return the enforcement decision as
// structured data for downstream enforcers (firewall agents, IdP sync,
// EDR playbooks) to apply. Direct endpoint side effects go through the EDR
// executors in edr.go.
// ---------------------------------------------------------------------------

// RegisterBuiltinActions installs the stock actions on c.
func RegisterBuiltinActions(c *ActionCatalog, logger zerolog.Logger) {
	log := logger.With().Str("component", "builtin_actions").Logger()

	c.Register(ActionDefinition{
		ID:          "block_ip",
		Name:        "Block IP",
		Description: "Deny traffic from an IP address for a duration",
		Inputs: []InputField{
			{Name: "ip", Type: "string", Required: true, Description: "IPv4 or IPv6 address"},
			{Name: "duration", Type: "string", Description: "Go duration, default 1h"},
		},
		Execute: blockIP,
	})
	c.Register(ActionDefinition{
		ID:          "unblock_ip",
		Name:        "Unblock IP",
		Description: "Lift a previous IP block",
		Inputs: []InputField{
			{Name: "ip", Type: "string", Required: true},
		},
		Execute: func(_ context.Context, actx ActionContext) (ActionResult, error) {
			ip := actx.Input("ip")
			if err := validateIPAddress(ip); err != nil {
				return ActionResult{}, err
			}
			return enforcement("unblock", ip, nil), nil
		},
	})
	c.Register(ActionDefinition{
		ID:          "isolate_host",
		Name:        "Isolate Host",
		Description: "Cut a host off the network except for management traffic",
		Inputs: []InputField{
			{Name: "host_id", Type: "string", Required: true},
		},
		Execute: func(_ context.Context, actx ActionContext) (ActionResult, error) {
			host := actx.Input("host_id")
			if err := validateIdentifier("host id", host); err != nil {
				return ActionResult{}, err
			}
			return enforcement("isolate", host, nil), nil
		},
	})
	c.Register(ActionDefinition{
		ID:          "disable_user",
		Name:        "Disable User",
		Description: "Disable an account in the identity provider",
		Inputs: []InputField{
			{Name: "username", Type: "string", Required: true},
		},
		Execute: func(_ context.Context, actx ActionContext) (ActionResult, error) {
			user := actx.Input("username")
			if err := validateIdentifier("username", user); err != nil {
				return ActionResult{}, err
			}
			return enforcement("disable", user, nil), nil
		},
	})
	c.Register(ActionDefinition{
		ID:          "quarantine_file",
		Name:        "Quarantine File",
		Description: "Move a file out of reach, by path or by hash",
		Inputs: []InputField{
			{Name: "file_path", Type: "string"},
			{Name: "hash", Type: "string"},
		},
		Execute: quarantineFile,
	})
	c.Register(ActionDefinition{
		ID:          "terminate_process",
		Name:        "Terminate Process",
		Description: "Kill a process by id or by name",
		Inputs: []InputField{
			{Name: "process_id", Type: "string"},
			{Name: "process_name", Type: "string"},
			{Name: "host_id", Type: "string"},
		},
		Execute: terminateProcess,
	})
	c.Register(ActionDefinition{
		ID:          "revoke_session",
		Name:        "Revoke Session",
		Description: "Invalidate one session, or every session of a user",
		Inputs: []InputField{
			{Name: "session_id", Type: "string"},
			{Name: "username", Type: "string"},
		},
		Execute: func(_ context.Context, actx ActionContext) (ActionResult, error) {
			if sid := actx.Input("session_id"); sid != "" {
				if err := validateIdentifier("session id", sid); err != nil {
					return ActionResult{}, err
				}
				return enforcement("revoke", sid, map[string]any{"scope": "session"}), nil
			}
			user := actx.Input("username")
			if user == "" {
				return ActionResult{}, &ValidationError{Field: "session_id"}
			}
			if err := validateIdentifier("username", user); err != nil {
				return ActionResult{}, err
			}
			return enforcement("revoke", user, map[string]any{"scope": "user"}), nil
		},
	})
	c.Register(ActionDefinition{
		ID:          "log_only",
		Name:        "Log Only",
		Description: "Record the intent without enforcing anything",
		Inputs: []InputField{
			{Name: "message", Type: "string"},
		},
		Execute: func(_ context.Context, actx ActionContext) (ActionResult, error) {
			log.Info().
				Str("tenant_id", actx.TenantID).
				Str("case_id", actx.CaseID).
				Str("message", actx.Input("message")).
				Msg("log_only action")
			return ActionResult{Success: true, Output: "logged", Data: map[string]any{"action": "log"}}, nil
		},
	})
	c.Register(ActionDefinition{
		ID:          "notify",
		Name:        "Notify",
		Description: "Send a message to the tenant's notification channel",
		Inputs: []InputField{
			{Name: "message", Type: "string", Required: true},
			{Name: "channel", Type: "string"},
		},
		Execute: func(_ context.Context, actx ActionContext) (ActionResult, error) {
			channel := actx.Input("channel")
			if channel == "" {
				channel = "default"
			}
			return ActionResult{
				Success: true,
				Output:  "notification queued",
				Data: map[string]any{
					"action":  "notify",
					"channel": channel,
					"message": actx.Input("message"),
				},
			}, nil
		},
	})
}

func enforcement(action, target string, extra map[string]any) ActionResult {
	data := map[string]any{
		"action":     action,
		"target":     target,
		"decided_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		data[k] = v
	}
	return ActionResult{
		Success:   true,
		Output:    fmt.Sprintf("%s %s", action, target),
		Data:      data,
		Artifacts: []Artifact{{Name: action, Type: "enforcement", Value: target}},
	}
}

func blockIP(_ context.Context, actx ActionContext) (ActionResult, error) {
	ip := actx.Input("ip")
	if err := validateIPAddress(ip); err != nil {
		return ActionResult{}, err
	}
	duration := actx.Input("duration")
	if duration == "" {
		duration = "1h"
	}
	if _, err := time.ParseDuration(duration); err != nil {
		return ActionResult{}, &ValidationError{Field: "duration", Reason: err.Error()}
	}
	return enforcement("block", ip, map[string]any{"duration": duration}), nil
}

func quarantineFile(_ context.Context, actx ActionContext) (ActionResult, error) {
	if h := actx.Input("hash"); h != "" {
		if err := validateHash(h); err != nil {
			return ActionResult{}, err
		}
		return enforcement("quarantine", h, map[string]any{"by": "hash"}), nil
	}
	path := actx.Input("file_path")
	if path == "" {
		return ActionResult{}, &ValidationError{Field: "file_path"}
	}
	return enforcement("quarantine", path, map[string]any{"by": "path"}), nil
}

func terminateProcess(_ context.Context, actx ActionContext) (ActionResult, error) {
	extra := map[string]any{}
	if host := actx.Input("host_id"); host != "" {
		extra["host_id"] = host
	}
	if pid := actx.Input("process_id"); pid != "" {
		if err := validatePID(pid); err != nil {
			return ActionResult{}, err
		}
		extra["by"] = "pid"
		return enforcement("terminate", pid, extra), nil
	}
	name := actx.Input("process_name")
	if name == "" {
		return ActionResult{}, &ValidationError{Field: "process_id"}
	}
	if err := validateProcessName(name); err != nil {
		return ActionResult{}, err
	}
	extra["by"] = "name"
	return enforcement("terminate", name, extra), nil
}
