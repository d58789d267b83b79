package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"aegisflux/agents/mitigation-agent/internal/agent"
	"aegisflux/agents/mitigation-agent/internal/config"
	"aegisflux/agents/mitigation-agent/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	logger.LogSystemEvent("config_loaded",
		"host_id", cfg.HostID,
		"nats_url", cfg.NATSURL,
		"event_subject", cfg.EventSubject,
		"ingest_subject", cfg.IngestSubject,
		"policy_file", cfg.PolicyFile,
		"initial_budget", cfg.InitialBudget,
		"dry_run", cfg.DryRun,
		"audit_enabled", cfg.AuditDSN != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentInstance, err := agent.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to create agent", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("Starting agent main loop")
	if err := agentInstance.Run(ctx); err != nil {
		logger.Error("Agent run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Agent shutdown complete")
}
