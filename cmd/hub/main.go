// Command hub runs the scheduling hub: the HTTP API, the agent websocket
// endpoint, the due-job scanner and the durable task queue.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/Syt100/bastion-sub005/internal/api"
	"github.com/Syt100/bastion-sub005/internal/bus"
	"github.com/Syt100/bastion-sub005/internal/config"
	"github.com/Syt100/bastion-sub005/internal/db"
	"github.com/Syt100/bastion-sub005/internal/deletion"
	"github.com/Syt100/bastion-sub005/internal/dispatch"
	"github.com/Syt100/bastion-sub005/internal/executor"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/queue"
	"github.com/Syt100/bastion-sub005/internal/redisx"
	"github.com/Syt100/bastion-sub005/internal/scheduler"
	"github.com/Syt100/bastion-sub005/internal/secrets"
)

func main() {
	cfg, err := config.LoadHub()
	if err != nil {
		logging.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}
	logging.Init(cfg.Log)
	log := logging.With("hub")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := sql.Open("pgx", cfg.Postgres.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}
	defer conn.Close()
	if err := conn.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping postgres")
	}
	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	// Redis is optional. Without it the hub runs single-instance: it is
	// always the scheduling leader and wake fan-out stays in-process.
	var (
		rdb    *redis.Client
		leader scheduler.Leader = redisx.AlwaysLeader{}
	)
	if cfg.Redis.Addr != "" {
		rdb, err = redisx.NewClientWithBackoff(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		defer rdb.Close()

		elect := redisx.NewLeaderElector(rdb, cfg.Redis.LeaderKey, cfg.Redis.LeaderTTLSec, hostname())
		elect.Start(ctx)
		defer elect.Stop()
		leader = elect
	}

	store := jobs.NewStore(conn)
	b := bus.New()
	q := queue.New(queue.NewPGStore(conn), queue.Options{
		Workers:     cfg.Queue.Workers,
		ClaimBlock:  cfg.Queue.ClaimBlock,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	exec := executor.New(secrets.EnvProvider{})
	local := &scheduler.LocalRunner{
		Store: store,
		Bus:   b,
		Exec:  exec,
		Wake:  q.Wake,
	}

	disp := dispatch.NewDispatcher(store, b, local, cfg.Session)
	disp.WakeQueue = q.Wake

	scanner := scheduler.NewScanner(conn, store, q, leader, disp.Registry(), cfg.Scheduler)

	starter := &scheduler.Starter{Store: store, Bus: b, Dispatch: disp}
	starter.Register(q)
	deletions := &deletion.Handler{Agents: disp, RequestTimeout: 30 * time.Second}
	deletions.Register(q)

	q.Start(ctx)
	go scanner.Loop(ctx)
	if rdb != nil {
		go redisx.SubscribeWakes(ctx, rdb, scanner.Wake)
	}

	srv := api.NewServer(conn, store, q, b, disp, scanner, cfg.AgentToken)
	if rdb != nil {
		srv.PublishWake = func() { redisx.PublishWake(ctx, rdb) }
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("hub listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server")
	}

	q.Wait()
	log.Info().Msg("hub stopped")
}

func hostname() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "hub"
	}
	return h
}
