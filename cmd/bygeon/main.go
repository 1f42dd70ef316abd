// Command bygeon is the bridge's entry point: load bygeon.toml, wire
// connectors and hubs, and run until a signal arrives. It takes no flags —
// spec.md keeps the CLI deliberately thin; all configuration lives in the
// TOML file in the working directory, or at the path named by
// BYGEON_CONFIG when set.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bygeon/bygeon/internal/bootstrap"
	"github.com/bygeon/bygeon/internal/config"
)

const defaultConfigPath = "bygeon.toml"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := defaultConfigPath
	if v := os.Getenv("BYGEON_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("bygeon: %v", err)
		return 1
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Printf("bygeon: get working directory: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "bygeon: received %s, shutting down\n", sig)
		cancel()
	}()

	if err := bootstrap.Run(ctx, cfg, wd); err != nil && ctx.Err() == nil {
		log.Printf("bygeon: %v", err)
		return 1
	}
	return 0
}
