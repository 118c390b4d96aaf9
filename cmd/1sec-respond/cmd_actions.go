package main

// ---------------------------------------------------------------------------
// cmd_actions.go — catalog listing and intent submission
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/1sec-project/1sec-respond/internal/core"
)

func cmdActions(args []string) {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	if sub != "list" {
		errorf("unknown actions subcommand %q", sub)
	}

	fs := flag.NewFlagSet("actions list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	apiKey := fs.String("api-key", "", "API key")
	format := fs.String("format", "table", "Output format: table, json, csv")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	body, err := apiGet(apiBase(*configPath)+"/api/v1/actions", resolveAPIKey(*apiKey, *configPath), 5*time.Second)
	if err != nil {
		errorf("%v", err)
	}
	var list struct {
		Actions []core.ActionDefinition `json:"actions"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		errorf("parsing response: %v", err)
	}

	headers := []string{"ID", "NAME", "REQUIRED INPUTS", "DESCRIPTION"}
	rows := make([][]string, 0, len(list.Actions))
	for _, a := range list.Actions {
		var req []string
		for _, in := range a.Inputs {
			if in.Required {
				req = append(req, in.Name)
			}
		}
		rows = append(rows, []string{a.ID, a.Name, strings.Join(req, ","), truncate(a.Description, 50)})
	}
	render(os.Stdout, parseFormat(*format), list, headers, rows)
}

func cmdSubmit(args []string) {
	positional, flagArgs := splitArgs(args)
	if len(positional) == 0 {
		cmdHelp("submit")
		os.Exit(1)
	}
	action := positional[0]

	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	apiKey := fs.String("api-key", "", "API key")
	format := fs.String("format", "table", "Output format: table, json")
	tenant := fs.String("tenant", "", "Tenant id (required)")
	risk := fs.String("risk", "", "Risk level: low, medium, high, critical (required)")
	reason := fs.String("reason", "", "Why the action is needed")
	caseID := fs.String("case", "", "Case id")
	alertID := fs.String("alert", "", "Alert id")
	provider := fs.String("provider", "", "EDR provider (routes the action to the dispatcher)")
	requestedBy := fs.String("requested-by", string(core.RequestedByAnalyst), "ai_agent, analyst or playbook")
	stepID := fs.String("step", "", "Execution step id for the audit trail")
	wait := fs.Duration("wait", 0, "Block up to this long for a reviewer decision")
	var params multiFlag
	fs.Var(&params, "p", "Action parameter key=value (repeatable)")
	fs.Var(&params, "param", "Action parameter key=value (repeatable)")
	fs.Parse(flagArgs)

	if *tenant == "" {
		errorf("--tenant is required")
	}
	lvl, err := core.ParseRiskLevel(*risk)
	if err != nil {
		errorf("--risk: %v", err)
	}
	p, err := parseParams(params)
	if err != nil {
		errorf("%v", err)
	}
	if *provider != "" {
		p["provider"] = *provider
	}

	payload := map[string]any{
		"tenant_id":   *tenant,
		"action_type": action,
		"params":      p,
		"context": core.ApprovalContext{
			Reason:    *reason,
			RiskLevel: lvl,
			CaseID:    *caseID,
			AlertID:   *alertID,
		},
		"requested_by":      *requestedBy,
		"execution_step_id": *stepID,
	}
	timeout := 30 * time.Second
	if *wait > 0 {
		payload["wait"] = true
		payload["wait_timeout_ms"] = wait.Milliseconds()
		timeout = *wait + 30*time.Second
	}

	*configPath = envConfig(*configPath)
	body, err := apiPost(apiBase(*configPath)+"/api/v1/intents", payload, resolveAPIKey(*apiKey, *configPath), timeout)
	if err != nil {
		errorf("%v", err)
	}
	var adm core.Admission
	if err := json.Unmarshal(body, &adm); err != nil {
		errorf("parsing response: %v", err)
	}
	if parseFormat(*format) == FormatJSON {
		render(os.Stdout, FormatJSON, adm, nil, nil)
		return
	}
	printAdmission(adm)
}

func printAdmission(adm core.Admission) {
	switch adm.Decision {
	case core.DecisionExecuted:
		if adm.Result != nil && adm.Result.Success {
			fmt.Fprintf(os.Stdout, "%s executed: %s\n", green("✓"), adm.Result.Output)
		} else if adm.Result != nil {
			fmt.Fprintf(os.Stdout, "%s execution failed: %s\n", red("✗"), adm.Result.Error)
		}
	case core.DecisionPending:
		fmt.Fprintf(os.Stdout, "%s queued for approval: %s (expires %s)\n", yellow("⏳"),
			adm.Request.ID, adm.Request.ExpiresAt.Local().Format(time.DateTime))
		fmt.Fprintf(os.Stdout, "  1sec-respond approvals approve %s --by <reviewer>\n", url.PathEscape(adm.Request.ID))
	case core.DecisionTimedOut:
		fmt.Fprintf(os.Stdout, "%s no decision in time, request %s stays pending\n", yellow("⏳"), adm.Request.ID)
	default:
		fmt.Fprintf(os.Stdout, "%s %s\n", red("✗"), adm.Decision)
	}
}
