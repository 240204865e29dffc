package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caio-sobreiro/pacsproxy/app"
	"github.com/caio-sobreiro/pacsproxy/config"
)

func main() {
	port := flag.Int("port", 0, "TCP port to listen on (overrides configuration)")
	aeTitle := flag.String("ae-title", "", "Server AE Title (overrides configuration)")
	bind := flag.String("bind", "", "Bind address (overrides configuration)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *aeTitle != "" {
		cfg.AETitle = *aeTitle
	}
	if *bind != "" {
		cfg.BindAddress = *bind
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	registry, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("Failed to build proxy", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle := app.NewLifecycle(registry)
	err = lifecycle.Run(ctx)
	switch {
	case err == nil:
		logger.Info("Proxy shutdown complete")
	case errors.Is(err, context.Canceled):
		logger.Info("Proxy stopped", "reason", err.Error())
	default:
		logger.Error("Proxy terminated unexpectedly", "error", err)
		os.Exit(1)
	}
}
