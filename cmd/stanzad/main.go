package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/stanza/internal/config"
	logs "github.com/danmuck/stanza/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to stanzad TOML config")
	initKind := flag.String("init", "", "write a config template of the given transport kind (stream|nats) to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -init")
	flag.Parse()

	logs.ConfigureRuntime()

	if *initKind != "" {
		if *configPath == "" {
			fmt.Fprintln(os.Stderr, "stanzad: -init requires -config")
			os.Exit(2)
		}
		if err := config.WriteTemplate(*configPath, *initKind, *force); err != nil {
			fmt.Fprintf(os.Stderr, "stanzad: %v\n", err)
			os.Exit(1)
		}
		logs.Infof("stanzad wrote %s template to %s", *initKind, *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stanzad: %v\n", err)
		os.Exit(1)
	}
	applyLogLevel(cfg.LogLevel)
	logs.Infof("stanzad loaded config path=%q jid=%s transport=%s", *configPath, cfg.JID, cfg.Transport.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "stanzad: %v\n", err)
		os.Exit(1)
	}
}

func applyLogLevel(raw string) {
	if cfg, ok := runtimeLogConfig(raw); ok {
		logs.Apply(cfg)
	}
}

// runtimeLogConfig keeps the environment-derived logger settings and only
// swaps the level.
func runtimeLogConfig(raw string) (logs.Config, bool) {
	lvl, ok := logs.ParseLevel(raw)
	if !ok {
		return logs.Config{}, false
	}
	cfg := logs.Resolve(logs.ProfileRuntime)
	cfg.Level = lvl
	return cfg, true
}
