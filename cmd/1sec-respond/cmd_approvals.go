package main

// ---------------------------------------------------------------------------
// cmd_approvals.go — review queue: pending, history, stats, approve, reject
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/1sec-project/1sec-respond/internal/core"
)

func cmdApprovals(args []string) {
	if len(args) == 0 {
		cmdHelp("approvals")
		return
	}
	sub := args[0]
	positional, flagArgs := splitArgs(args[1:])

	fs := flag.NewFlagSet("approvals "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	apiKey := fs.String("api-key", "", "API key")
	format := fs.String("format", "table", "Output format: table, json, csv")
	tenant := fs.String("tenant", os.Getenv("ONESEC_TENANT"), "Tenant id (required for pending, history and stats)")
	limit := fs.Int("limit", 50, "Maximum rows for history")
	by := fs.String("by", os.Getenv("USER"), "Reviewer identity for approve/reject")
	notes := fs.String("notes", "", "Review notes")
	fs.Parse(flagArgs)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath) + "/api/v1/approvals"
	key := resolveAPIKey(*apiKey, *configPath)
	out := parseFormat(*format)

	q := url.Values{}
	switch sub {
	case "pending", "history", "stats":
		if *tenant == "" {
			errorf("--tenant is required for approvals %s", sub)
		}
	}
	if *tenant != "" {
		q.Set("tenant", *tenant)
	}

	switch sub {
	case "pending":
		body, err := apiGet(base+"/pending?"+q.Encode(), key, 10*time.Second)
		if err != nil {
			errorf("%v", err)
		}
		printApprovalList(body, out)

	case "history":
		q.Set("limit", strconv.Itoa(*limit))
		body, err := apiGet(base+"/history?"+q.Encode(), key, 10*time.Second)
		if err != nil {
			errorf("%v", err)
		}
		printApprovalList(body, out)

	case "stats":
		body, err := apiGet(base+"/stats?"+q.Encode(), key, 10*time.Second)
		if err != nil {
			errorf("%v", err)
		}
		var st core.ApprovalStats
		if err := json.Unmarshal(body, &st); err != nil {
			errorf("parsing response: %v", err)
		}
		headers := []string{"PENDING", "APPROVED", "REJECTED", "EXPIRED", "TOTAL", "AVG APPROVAL"}
		row := []string{
			strconv.Itoa(st.Pending), strconv.Itoa(st.Approved), strconv.Itoa(st.Rejected),
			strconv.Itoa(st.Expired), strconv.Itoa(st.Total),
			(time.Duration(st.AvgApprovalTimeMs) * time.Millisecond).String(),
		}
		render(os.Stdout, out, st, headers, [][]string{row})

	case "show":
		id := requireID(positional, "show")
		body, err := apiGet(base+"/"+url.PathEscape(id), key, 10*time.Second)
		if err != nil {
			errorf("%v", err)
		}
		var req core.ApprovalRequest
		if err := json.Unmarshal(body, &req); err != nil {
			errorf("parsing response: %v", err)
		}
		render(os.Stdout, FormatJSON, req, nil, nil)

	case "approve", "reject":
		id := requireID(positional, sub)
		if *by == "" {
			errorf("--by is required")
		}
		body, err := apiPost(base+"/"+url.PathEscape(id)+"/"+sub, map[string]string{
			"reviewed_by": *by,
			"notes":       *notes,
		}, key, 2*time.Minute)
		if err != nil {
			errorf("%v", err)
		}
		var res struct {
			Request      core.ApprovalRequest `json:"request"`
			Result       *core.ActionResult   `json:"result"`
			DispatchedBy string               `json:"dispatched_by"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			errorf("parsing response: %v", err)
		}
		if out == FormatJSON {
			render(os.Stdout, FormatJSON, res, nil, nil)
			return
		}
		fmt.Fprintf(os.Stdout, "%s %s %s by %s\n", green("✓"), res.Request.ActionType, res.Request.Status, res.Request.ReviewedBy)
		switch {
		case res.Result != nil && res.Result.Success:
			fmt.Fprintf(os.Stdout, "%s dispatched: %s\n", green("✓"), res.Result.Output)
		case res.Result != nil:
			fmt.Fprintf(os.Stdout, "%s dispatch failed: %s\n", red("✗"), res.Result.Error)
		case res.DispatchedBy != "":
			fmt.Fprintf(os.Stdout, "%s dispatch handed to the waiting submitter\n", dim("▸"))
		}

	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown approvals subcommand %q\n", sub)
		cmdHelp("approvals")
		os.Exit(1)
	}
}

func requireID(positional []string, sub string) string {
	if len(positional) == 0 {
		errorf("approvals %s requires a request id", sub)
	}
	return positional[0]
}

func printApprovalList(body []byte, out OutputFormat) {
	var list struct {
		Approvals []core.ApprovalRequest `json:"approvals"`
		Total     int                    `json:"total"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		errorf("parsing response: %v", err)
	}
	if out == FormatTable && list.Total == 0 {
		fmt.Fprintln(os.Stdout, dim("no approval requests"))
		return
	}

	headers := []string{"ID", "TENANT", "ACTION", "RISK", "STATUS", "REQUESTED", "REASON"}
	rows := make([][]string, 0, len(list.Approvals))
	for _, a := range list.Approvals {
		rows = append(rows, []string{
			a.ID, a.TenantID, a.ActionType, a.Context.RiskLevel.String(), string(a.Status),
			a.RequestedAt.Local().Format(time.DateTime), truncate(a.Context.Reason, 40),
		})
	}
	render(os.Stdout, out, list, headers, rows)
}
