package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentdeck/internal/adapter/gateway"
	"agentdeck/internal/infra/config"
	"agentdeck/internal/infra/logger"
	"agentdeck/internal/infra/tracer"
	"agentdeck/internal/usecase/binres"
	"agentdeck/internal/usecase/bridge"
	"agentdeck/internal/usecase/eventbus"
	"agentdeck/internal/usecase/msgstore"
	"agentdeck/internal/usecase/supervisor"
	"agentdeck/internal/usecase/workspace"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentdeck - desktop shell backend for agent workspaces

USAGE:
    agentdeck [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ~/.agentdeck/config.yaml)

CONFIGURATION:
    Config file: ~/.agentdeck/config.yaml
    Environment: AGENTDECK_* variables override config

The deck launches one worker process per workspace, consumes each worker's
event stream into an in-memory session store, and exposes everything to the
shell over a local WebSocket gateway.`)
}

// configPath resolves --config from os.Args, falling back to the default
// location under the user's config dir.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return home + "/.agentdeck/config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus & session stores
	bus := eventbus.New(log)
	stores := msgstore.NewBus(log)

	// 4. Process supervisor & workspace manager
	sup := supervisor.New(supervisor.Config{
		LaunchTimeout: cfg.Workspaces.LaunchTimeout,
		StopGrace:     cfg.Workspaces.StopGrace,
	}, log)

	binaries := make([]workspace.Binary, 0, len(cfg.Workspaces.Binaries))
	for _, b := range cfg.Workspaces.Binaries {
		binaries = append(binaries, workspace.Binary{ID: b.ID, Label: b.Label, Path: b.Path})
	}
	manager := workspace.NewManager(workspace.Config{
		RootDir:   cfg.Workspaces.RootDir,
		ConfigDir: cfg.Workspaces.ConfigDir,
		DefaultBinary: workspace.Binary{
			ID:    cfg.Workspaces.DefaultBinary.ID,
			Label: cfg.Workspaces.DefaultBinary.Label,
			Path:  cfg.Workspaces.DefaultBinary.Path,
		},
		Binaries:             binaries,
		EnvironmentVariables: cfg.Workspaces.EnvironmentVariables,
	}, sup, binres.New(log), bus, log)

	// 5. Graceful shutdown
	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 6. Worker event-stream bridge
	br := bridge.New(bridge.Config{
		ReconnectRate:   cfg.Bridge.ReconnectRate,
		ReconnectBurst:  cfg.Bridge.ReconnectBurst,
		BreakerFailures: uint32(cfg.Bridge.BreakerFailures),
		BreakerCooldown: cfg.Bridge.BreakerCooldown,
	}, bus, stores, manager, log)
	br.Start(runCtx)

	// 7. Gateway
	var srv *gateway.Server
	if cfg.Gateway.Enabled {
		srv = gateway.NewServer(bus, cfg.Gateway.Addr, log)
		gateway.RegisterAPI(srv, manager, stores, log)
		go func() {
			if err := srv.Start(runCtx); err != nil {
				log.Error("gateway server error", "error", err)
				cancel()
			}
		}()
	}

	log.Info("agentdeck started",
		"gateway", cfg.Gateway.Enabled,
		"gateway_addr", cfg.Gateway.Addr,
		"default_binary", cfg.Workspaces.DefaultBinary.Path,
	)

	<-runCtx.Done()
	log.Info("agentdeck shutting down")

	// Gateway first so no new requests arrive, then the bridge so no
	// more stream events mutate stores, then the workers themselves.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("gateway stop error", "error", err)
		}
	}
	br.Close()
	manager.Shutdown(shutdownCtx)
	stores.Shutdown()
	bus.Close()

	return nil
}
