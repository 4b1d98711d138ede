package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/chprops/internal/config"
	"github.com/danmuck/chprops/internal/logging"
)

func main() {
	configPath := flag.String("config", "cmd/propsd/config.toml", "path to propsd config.toml")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "propsd: %v\n", err)
		os.Exit(1)
	}
	svc, err := NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "propsd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "propsd: %v\n", err)
		os.Exit(1)
	}
}
