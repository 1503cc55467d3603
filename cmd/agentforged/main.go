// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// agentforged is the orchestrator process: it loads configuration,
// constructs every long-lived service (store, terminal multiplexer,
// workspace provisioner, credential sealer, agent manager, scheduler,
// terminal bridge hub, broadcast hub, connector router) and serves
// the HTTP/WebSocket dispatcher until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agent-forge/agentforge/internal/agentmanager"
	"github.com/agent-forge/agentforge/internal/broadcast"
	"github.com/agent-forge/agentforge/internal/bridge"
	"github.com/agent-forge/agentforge/internal/config"
	"github.com/agent-forge/agentforge/internal/connector"
	_ "github.com/agent-forge/agentforge/internal/connector/telegram"
	"github.com/agent-forge/agentforge/internal/credential"
	"github.com/agent-forge/agentforge/internal/httpapi"
	"github.com/agent-forge/agentforge/internal/multiplexer"
	"github.com/agent-forge/agentforge/internal/scheduler"
	"github.com/agent-forge/agentforge/internal/store"
	"github.com/agent-forge/agentforge/internal/workspace"
	"github.com/agent-forge/agentforge/lib/clock"
	"github.com/agent-forge/agentforge/lib/process"
	"github.com/agent-forge/agentforge/lib/tmux"
	"github.com/agent-forge/agentforge/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath   string
		stateDir     string
		tmuxSocket   string
		rootKeyB64   string
		globalDocs   string
		hookEndpoint string
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("agentforged", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "/etc/agentforge/config.yaml", "path to the YAML configuration record")
	flagSet.StringVar(&stateDir, "state-dir", "/var/lib/agentforge", "directory for the SQLite store and agent workspaces")
	flagSet.StringVar(&tmuxSocket, "tmux-socket", "/run/agentforge/tmux.sock", "dedicated tmux server socket for agent sessions")
	flagSet.StringVar(&rootKeyB64, "credential-root-key", os.Getenv("AGENTFORGE_ROOT_KEY"), "base64-encoded 32-byte root key for credential sealing (defaults to $AGENTFORGE_ROOT_KEY)")
	flagSet.StringVar(&globalDocs, "global-instructions", "", "path to a markdown file prepended to every workspace's instructions document")
	flagSet.StringVar(&hookEndpoint, "hook-endpoint", "", "URL agents' SubagentStart/SubagentStop hooks POST to (defaults to http://<server.host>:<server.port>/api/hooks/event)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rootKey, err := decodeRootKey(rootKeyB64)
	if err != nil {
		return fmt.Errorf("credential root key: %w", err)
	}
	sealer, err := credential.NewSealer(rootKey)
	if err != nil {
		return fmt.Errorf("constructing sealer: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	st, err := store.Open(stateDir+"/agentforge.db", logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	tmuxServer := tmux.NewServer(tmuxSocket, "")
	term := multiplexer.New(tmuxServer)

	if hookEndpoint == "" {
		hookEndpoint = fmt.Sprintf("http://%s:%d/api/hooks/event", cfg.Server.Host, cfg.Server.Port)
	}
	var globalInstructions string
	if globalDocs != "" {
		data, err := os.ReadFile(globalDocs)
		if err != nil {
			return fmt.Errorf("reading global instructions: %w", err)
		}
		globalInstructions = string(data)
	}
	prov := &workspace.Provisioner{
		WorkspacesRoot:     stateDir + "/workspaces",
		GlobalInstructions: globalInstructions,
		HookEndpoint:       hookEndpoint,
	}

	manager := agentmanager.New(agentmanager.Config{
		BaseCommand: cfg.Defaults.ClaudeCommand,
		Env:         cfg.Defaults.ClaudeEnv,
		Projects:    cfg.CoreProjects(),
		Profiles:    cfg.CoreProfiles(),
	}, st, term, prov, clock.Real(), logger)

	if err := manager.Recover(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
	}

	hub := broadcast.New(logger)
	go hub.RunPings(ctx, broadcast.DefaultPingInterval)

	bridges := bridge.NewHub(tmuxServer, logger)

	router := connector.New(manager, st, sealer, clock.Real(), logger)
	router.Configure(cfg.CoreProjects())
	router.StartAll(ctx, cfg.CoreConnectors())

	sched := &scheduler.Scheduler{
		Manager:  manager,
		Term:     term,
		Store:    st,
		Hub:      hub,
		Notifier: router,
		Clock:    clock.Real(),
		Interval: cfg.Defaults.PollInterval(),
		Logger:   logger,
	}
	go sched.Run(ctx)

	api := &httpapi.Server{
		Manager:    manager,
		Hub:        hub,
		Bridges:    bridges,
		Scheduler:  sched,
		Router:     router,
		Logger:     logger,
		ConfigPath: configPath,
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Mux(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agentforged listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error("http server failed", "error", err)
	}

	// Shutdown order per spec.md §5: scheduler, then connectors, then
	// bridges, then the store. The scheduler has no explicit Stop —
	// ctx cancellation above already ends its Run loop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	router.StopAll(shutdownCtx)
	bridges.CloseAll()
	if err := st.Close(); err != nil {
		logger.Warn("store close failed", "error", err)
	}

	return nil
}

func decodeRootKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("no root key provided (set --credential-root-key or $AGENTFORGE_ROOT_KEY)")
	}
	return base64.StdEncoding.DecodeString(encoded)
}
