package main

// ---------------------------------------------------------------------------
// cmd_config.go — validate or initialize configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/1sec-project/1sec-respond/internal/core"
)

func cmdConfig(args []string) {
	if len(args) == 0 {
		cmdHelp("config")
		return
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("config "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	force := fs.Bool("force", false, "Overwrite an existing file (init)")
	fs.Parse(rest)
	*configPath = envConfig(*configPath)

	switch sub {
	case "validate":
		cfg, err := core.LoadConfig(*configPath)
		if err != nil {
			errorf("loading config: %v", err)
		}
		warnings, errs := cfg.Validate()
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		if len(errs) > 0 {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s %s is valid (%d warning(s))\n", green("✓"), *configPath, len(warnings))

	case "init":
		if _, err := os.Stat(*configPath); err == nil && !*force {
			errorf("%s already exists (use --force to overwrite)", *configPath)
		}
		if err := os.MkdirAll(filepath.Dir(*configPath), 0o755); err != nil {
			errorf("creating config directory: %v", err)
		}
		if err := core.SaveConfig(core.DefaultConfig(), *configPath); err != nil {
			errorf("writing config: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s wrote %s\n", green("✓"), *configPath)

	default:
		errorf("unknown config subcommand %q", sub)
	}
}
