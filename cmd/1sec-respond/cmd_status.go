package main

// ---------------------------------------------------------------------------
// cmd_status.go — status of a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	apiKey := fs.String("api-key", "", "API key")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath)
	body, err := apiGet(base+"/api/v1/status", resolveAPIKey(*apiKey, *configPath), 5*time.Second)
	if err != nil {
		errorf("%v", err)
	}

	var status map[string]interface{}
	if err := json.Unmarshal(body, &status); err != nil {
		errorf("parsing response: %v", err)
	}
	if parseFormat(*format) == FormatJSON {
		render(os.Stdout, FormatJSON, status, nil, nil)
		return
	}

	fmt.Fprintf(os.Stdout, "%s %s\n", bold("Endpoint:"), base)
	fmt.Fprintf(os.Stdout, "%s %v\n", bold("Version:"), status["version"])
	fmt.Fprintf(os.Stdout, "%s %v\n", bold("Status:"), status["status"])
	fmt.Fprintf(os.Stdout, "%s %v\n", bold("Bus connected:"), status["bus_connected"])
	fmt.Fprintf(os.Stdout, "%s %v\n", bold("Actions:"), status["actions_total"])
	fmt.Fprintf(os.Stdout, "%s %v\n", bold("Providers:"), status["providers"])
	if mock, _ := status["mock_mode"].(bool); mock {
		fmt.Fprintf(os.Stdout, "%s %s\n", bold("Dispatch:"), yellow("mock"))
	} else {
		fmt.Fprintf(os.Stdout, "%s %s\n", bold("Dispatch:"), green("live"))
	}
	if resp, ok := status["responses"].(map[string]interface{}); ok {
		fmt.Fprintf(os.Stdout, "%s %v (%v failed)\n", bold("Responses:"), resp["total_records"], resp["failed"])
	}
}
