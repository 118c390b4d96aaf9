package main

// ---------------------------------------------------------------------------
// banner.go — banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	text := `
    ╔══════════════════════════════════════════════╗
    ║   1SEC RESPOND                               ║
    ║   sensitive-action admission and dispatch    ║
    ╚══════════════════════════════════════════════╝
`
	if !colorEnabled() {
		return text
	}
	return "\033[36m" + text + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "1sec-respond v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  1sec-respond <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commandHelp {
		fmt.Fprintf(w, "  %-12s  %s\n", bold(c.name), c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: configs/respond.yaml, env: ONESEC_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--api-key <key>", "API key (env: ONESEC_API_KEY)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json, csv (default: table)")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-22s  %s\n", "ONESEC_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-22s  %s\n", "ONESEC_HOST", "API host override")
	fmt.Fprintf(w, "  %-22s  %s\n", "ONESEC_PORT", "API port override")
	fmt.Fprintf(w, "  %-22s  %s\n", "ONESEC_API_KEY", "API key for authentication")
	fmt.Fprintf(w, "  %-22s  %s\n", "ONESEC_MASTER_KEY", "Hex master key for integration credentials")
	fmt.Fprintf(w, "  %-22s  %s\n", "ONESEC_TENANT", "Default tenant for approvals commands")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start the engine and API"))
	fmt.Fprintf(w, "  1sec-respond up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Ask to isolate a host and wait up to 5 minutes for a reviewer"))
	fmt.Fprintf(w, "  1sec-respond submit isolate_host --tenant acme --risk high -p host_id=ws-042 --wait 5m\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Review the queue"))
	fmt.Fprintf(w, "  1sec-respond approvals pending --tenant acme\n")
	fmt.Fprintf(w, "  1sec-respond approvals approve <id> --by alice --notes \"confirmed C2\"\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("1sec-respond help <command>"))
}

type commandDoc struct {
	name    string
	summary string
	usage   string
}

var commandHelp = []commandDoc{
	{"up", "Start the engine and REST API", "up [--config path] [--log-level lvl] [--dry-run] [--quiet]"},
	{"status", "Show status of a running instance", "status [--format json]"},
	{"logs", "Show recent engine logs", "logs [--lines n] [-f] [--level lvl] [--component c] [--tenant t] [--format json]"},
	{"reload", "Re-read the config file of a running instance", "reload [--config path]"},
	{"approvals", "List, inspect, approve or reject approval requests", "approvals pending|history|stats|show|approve|reject [id] [--tenant t] [--by reviewer] [--notes text]"},
	{"actions", "List catalog actions", "actions list [--format json|csv]"},
	{"submit", "Submit an action intent for admission", "submit <action> --tenant t --risk low|medium|high|critical [-p key=value]... [--provider p] [--wait dur]"},
	{"dispatch", "Show providers or toggle mock mode", "dispatch providers | dispatch mock-mode [on|off]"},
	{"keys", "Generate a master key or seal integration credentials", "keys generate | keys seal --tenant t --url u --token tok"},
	{"config", "Validate or initialize configuration", "config validate|init [--config path]"},
	{"version", "Print version and build info", "version"},
	{"help", "Show help for a command", "help <command>"},
}

func cmdHelp(name string) {
	for _, c := range commandHelp {
		if c.name == name {
			fmt.Fprintf(os.Stdout, "%s\n\n  %s\n\n%s\n\n  1sec-respond %s\n\n", bold(c.name), c.summary, bold("USAGE"), c.usage)
			return
		}
	}
	fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n", name)
	if s := suggest(name); s != "" {
		fmt.Fprintf(os.Stderr, "       Did you mean %s?\n", bold(s))
	}
	os.Exit(1)
}
