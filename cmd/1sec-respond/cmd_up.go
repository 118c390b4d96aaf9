package main

// ---------------------------------------------------------------------------
// cmd_up.go — start the engine and REST API
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/1sec-project/1sec-respond/internal/api"
	"github.com/1sec-project/1sec-respond/internal/core"
	"github.com/1sec-project/1sec-respond/internal/store"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}
	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	warnings, validationErrs := cfg.Validate()
	if !*quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid. approvals=%s step_log=%s mock_mode=%v\n",
			green("✓"), cfg.Storage.Approvals, cfg.Storage.StepLog, cfg.Dispatch.MockMode)
		os.Exit(0)
	}

	var opts []core.EngineOption
	if cfg.Storage.StepLog == "sqlite" {
		db, err := store.Open(cfg.Storage.SQLitePath)
		if err != nil {
			errorf("opening step log: %v", err)
		}
		opts = append(opts, core.WithStepLog(store.NewStepLog(db)))
	}

	engine, err := core.NewEngine(cfg, opts...)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	engine.ConfigPath = *configPath

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting 1SEC Respond...\n", dim("▸"))
	}
	if err := engine.Start(); err != nil {
		errorf("starting engine: %v", err)
	}

	api.Version = version
	srv := api.NewServer(engine)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}

	if !*quiet {
		mode := green("live")
		if engine.Dispatcher.MockMode() {
			mode = yellow("mock")
		}
		fmt.Fprintf(os.Stderr, "%s 1SEC Respond running: %d actions, dispatch %s, API on :%d\n",
			green("✓"), engine.Catalog.Len(), mode, cfg.Server.Port)
		if !cfg.AuthEnabled() {
			fmt.Fprintf(os.Stderr, "%s No API keys configured, the API is open. Set api_keys or ONESEC_API_KEY.\n", yellow("⚠"))
		}
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	var sig os.Signal
	for sig = range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		changes, err := core.ReloadConfig(engine)
		if err != nil {
			warnf("reload failed: %v", err)
			continue
		}
		if !*quiet {
			for _, c := range changes {
				fmt.Fprintf(os.Stderr, "%s %s\n", dim("↻"), c)
			}
		}
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
	}
	srv.Stop()
	engine.Shutdown()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s 1SEC Respond stopped.\n", green("✓"))
	}
}
