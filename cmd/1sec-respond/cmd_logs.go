package main

// ---------------------------------------------------------------------------
// cmd_logs.go — recent engine logs, with --follow for tailing
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type logLine struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Component  string    `json:"component"`
	TenantID   string    `json:"tenant_id"`
	ApprovalID string    `json:"approval_id"`
	Message    string    `json:"message"`
	Raw        string    `json:"raw"`
}

func (l logLine) key() string {
	return l.Timestamp.Format(time.RFC3339Nano) + "|" + l.Raw
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	apiKeyFlag := fs.String("api-key", "", "API key")
	lines := fs.Int("lines", 50, "Number of log lines to fetch")
	follow := fs.Bool("follow", false, "Keep polling for new entries (like tail -f)")
	fs.BoolVar(follow, "f", false, "Keep polling for new entries (like tail -f)")
	pollInterval := fs.Duration("poll-interval", 2*time.Second, "Poll interval for --follow")
	level := fs.String("level", "", "Minimum level: debug, info, warn, error")
	component := fs.String("component", "", "Only entries from this component")
	tenant := fs.String("tenant", "", "Only entries for this tenant")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath)
	apiKey := resolveAPIKey(*apiKeyFlag, *configPath)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*lines))
	if *level != "" {
		q.Set("level", *level)
	}
	if *component != "" {
		q.Set("component", *component)
	}
	if *tenant != "" {
		q.Set("tenant", *tenant)
	}
	endpoint := base + "/api/v1/logs?" + q.Encode()

	if *follow {
		followLogs(endpoint, apiKey, *pollInterval)
		return
	}

	body, err := apiGet(endpoint, apiKey, 5*time.Second)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*format) == FormatJSON {
		fmt.Fprintln(os.Stdout, string(body))
		return
	}
	entries, err := decodeLogs(body)
	if err != nil {
		errorf("parsing response: %v", err)
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stdout, "%s No log entries found.\n", dim("▸"))
		return
	}
	for _, e := range entries {
		printLogLine(os.Stdout, e)
	}
}

func decodeLogs(body []byte) ([]logLine, error) {
	var resp struct {
		Logs []logLine `json:"logs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

func printLogLine(w io.Writer, e logLine) {
	lvl := e.Level
	switch lvl {
	case "error", "fatal", "panic":
		lvl = red(lvl)
	case "warn":
		lvl = yellow(lvl)
	case "debug", "trace":
		lvl = dim(lvl)
	}
	fmt.Fprintf(w, "%s %-5s %s", dim(e.Timestamp.Local().Format("15:04:05")), lvl, e.Message)
	if e.Component != "" {
		fmt.Fprintf(w, " %s", dim("component="+e.Component))
	}
	if e.TenantID != "" {
		fmt.Fprintf(w, " %s", dim("tenant="+e.TenantID))
	}
	if e.ApprovalID != "" {
		fmt.Fprintf(w, " %s", dim("approval="+e.ApprovalID))
	}
	fmt.Fprintln(w)
}

// followLogs polls the logs endpoint and prints entries not seen before.
func followLogs(endpoint, apiKey string, interval time.Duration) {
	fmt.Fprintf(os.Stderr, "%s Tailing logs (Ctrl+C to stop)...\n\n", dim("▸"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := make(map[string]struct{})
	for {
		if body, err := apiGet(endpoint, apiKey, 5*time.Second); err == nil {
			if entries, err := decodeLogs(body); err == nil {
				fresh := make(map[string]struct{}, len(entries))
				for _, e := range entries {
					k := e.key()
					fresh[k] = struct{}{}
					if _, ok := seen[k]; !ok {
						printLogLine(os.Stdout, e)
					}
				}
				// only the current window can repeat
				seen = fresh
			}
		}

		select {
		case <-sigCh:
			fmt.Fprintf(os.Stderr, "\n%s Log tailing stopped.\n", dim("▸"))
			return
		case <-ticker.C:
		}
	}
}
