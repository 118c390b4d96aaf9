package main

// ---------------------------------------------------------------------------
// cmd_dispatch.go — provider listing and mock-mode toggle
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func cmdDispatch(args []string) {
	if len(args) == 0 {
		cmdHelp("dispatch")
		return
	}
	sub := args[0]
	positional, flagArgs := splitArgs(args[1:])

	fs := flag.NewFlagSet("dispatch "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	apiKey := fs.String("api-key", "", "API key")
	fs.Parse(flagArgs)

	*configPath = envConfig(*configPath)
	base := apiBase(*configPath) + "/api/v1/dispatch"
	key := resolveAPIKey(*apiKey, *configPath)

	switch sub {
	case "providers":
		body, err := apiGet(base+"/providers", key, 5*time.Second)
		if err != nil {
			errorf("%v", err)
		}
		var res struct {
			Providers []string `json:"providers"`
			MockMode  bool     `json:"mock_mode"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			errorf("parsing response: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s %s\n", bold("Providers:"), strings.Join(res.Providers, ", "))
		fmt.Fprintf(os.Stdout, "%s %v\n", bold("Mock mode:"), res.MockMode)

	case "mock-mode":
		var (
			body []byte
			err  error
		)
		if len(positional) == 0 {
			body, err = apiGet(base+"/mock-mode", key, 5*time.Second)
		} else {
			var on bool
			switch strings.ToLower(positional[0]) {
			case "on", "true", "enable":
				on = true
			case "off", "false", "disable":
				warnf("turning mock mode off sends real containment calls to EDR providers")
			default:
				errorf("expected on or off, got %q", positional[0])
			}
			body, err = apiPost(base+"/mock-mode", map[string]bool{"enabled": on}, key, 5*time.Second)
		}
		if err != nil {
			errorf("%v", err)
		}
		var res struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			errorf("parsing response: %v", err)
		}
		if res.Enabled {
			fmt.Fprintf(os.Stdout, "mock mode %s\n", yellow("on"))
		} else {
			fmt.Fprintf(os.Stdout, "mock mode %s\n", green("off"))
		}

	default:
		errorf("unknown dispatch subcommand %q", sub)
	}
}
