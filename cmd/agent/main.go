// Command agent runs on a backup node: it keeps a websocket session to the
// hub, executes dispatched runs, and fires scheduled jobs from its local
// config snapshot while the hub is unreachable.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Syt100/bastion-sub005/internal/agent"
	"github.com/Syt100/bastion-sub005/internal/config"
	"github.com/Syt100/bastion-sub005/internal/executor"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/secrets"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		logging.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}
	logging.Init(cfg.Log)
	log := logging.With("agent")

	if cfg.AgentID == "" {
		log.Fatal().Msg("agent_id is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := agent.OpenStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("open store")
	}
	defer store.Close()

	exec := executor.New(secrets.EnvProvider{})
	client := agent.NewClient(*cfg, store, exec)
	offline := agent.NewOfflineScheduler(cfg.AgentID, store, exec, client.Connected)

	go offline.Loop(ctx)

	log.Info().Str("hub", cfg.HubURL).Msg("agent starting")
	client.Run(ctx)
	log.Info().Msg("agent stopped")
}
