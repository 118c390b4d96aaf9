package main

// ---------------------------------------------------------------------------
// cmd_keys.go — master key generation and credential sealing
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/1sec-respond/internal/core"
	"github.com/1sec-project/1sec-respond/internal/crypto"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		cmdHelp("keys")
		return
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "generate":
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			errorf("generating key: %v", err)
		}
		fmt.Fprintln(os.Stdout, key)
		fmt.Fprintf(os.Stderr, "%s store it as crypto.master_key or ONESEC_MASTER_KEY\n", dim("▸"))

	case "seal":
		fs := flag.NewFlagSet("keys seal", flag.ExitOnError)
		configPath := fs.String("config", defaultConfigPath, "Config file path")
		tenant := fs.String("tenant", "", "Tenant id (required)")
		provider := fs.String("provider", "", "EDR provider, e.g. crowdstrike (required)")
		apiURL := fs.String("url", "", "Provider API base URL (required)")
		token := fs.String("token", os.Getenv("ONESEC_PROVIDER_TOKEN"), "Provider API token (env: ONESEC_PROVIDER_TOKEN)")
		fs.Parse(rest)

		if *tenant == "" || *provider == "" || *apiURL == "" || *token == "" {
			errorf("--tenant, --provider, --url and --token are required")
		}
		cfg, err := core.LoadConfig(envConfig(*configPath))
		if err != nil {
			errorf("loading config: %v", err)
		}
		if cfg.Crypto.MasterKey == "" {
			errorf("no master key: set crypto.master_key or ONESEC_MASTER_KEY (see: keys generate)")
		}
		keys, err := crypto.NewDerivedProvider(cfg.Crypto.MasterKey)
		if err != nil {
			errorf("loading master key: %v", err)
		}
		sealed, err := core.SealCredentials(context.Background(), crypto.NewService(keys), *tenant,
			core.Credentials{URL: *apiURL, Token: *token})
		if err != nil {
			errorf("sealing credentials: %v", err)
		}

		snippet, err := yaml.Marshal(map[string]any{
			"integrations": []map[string]string{{
				"tenant_id":   *tenant,
				"provider":    *provider,
				"credentials": sealed,
			}},
		})
		if err != nil {
			errorf("encoding snippet: %v", err)
		}
		fmt.Fprint(os.Stdout, string(snippet))

	default:
		errorf("unknown keys subcommand %q", sub)
	}
}
