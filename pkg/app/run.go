// Package app provides the shared entry point for the harborwatch binary
// and its service wrapper.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/jobs"
	"github.com/harborwatch/harborwatch/internal/telemetry"
)

// Collaborators are the container-management implementations the embedder
// wires in. All optional: a daemon without a container source still serves
// the API and run history, it just has no scan work to do.
type Collaborators struct {
	Source   jobs.ContainerSource
	Registry jobs.RegistryClient
	Runtime  jobs.ContainerRuntime
	Pruner   jobs.ImagePruner
}

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// LogLevel sets the minimum log level. Defaults to slog.LevelInfo.
	LogLevel slog.Level

	Collaborators Collaborators
}

// Run loads configuration, assembles the engine, and blocks until a
// shutdown signal is received.
func Run(params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := config.LoadValidated(cfgPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: params.LogLevel,
	}))

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
	}, "harborwatch", params.Version, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("app: telemetry shutdown", "error", err)
		}
	}()

	engine, err := buildEngine(ctx, cfg, logger, params.Collaborators)
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		engine.Close(logger)
		return err
	}
	logger.Info("app: harborwatch started",
		"version", params.Version, "config", cfgPath, "listen", cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("app: shutdown signal received", "signal", sig.String())

	engine.Stop(context.Background(), logger)
	engine.Close(logger)
	logger.Info("app: shutdown complete")
	return nil
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/harborwatch/harborwatch.yaml →
// ~/.config/harborwatch/harborwatch.yaml → ./harborwatch.yaml
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "harborwatch", "harborwatch.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "harborwatch", "harborwatch.yaml"))
	}

	candidates = append(candidates, "harborwatch.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}
