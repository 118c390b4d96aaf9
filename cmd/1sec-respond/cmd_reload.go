package main

// ---------------------------------------------------------------------------
// cmd_reload.go — ask a running instance to re-read its config file
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func cmdReload(args []string) {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	apiKey := fs.String("api-key", "", "API key")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath)
	body, err := apiPost(base+"/api/v1/config/reload", nil, resolveAPIKey(*apiKey, *configPath), 10*time.Second)
	if err != nil {
		errorf("%v", err)
	}

	var resp struct {
		Changes []string `json:"changes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Configuration reloaded\n", green("✓"))
	for _, c := range resp.Changes {
		fmt.Fprintf(os.Stdout, "  %s %s\n", dim("↻"), c)
	}
}
