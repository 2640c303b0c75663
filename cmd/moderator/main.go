package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kyla/chatcore/internal/ban"
	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/moderation"
	"github.com/kyla/chatcore/internal/ops"
	"github.com/kyla/chatcore/internal/storage"
	"github.com/kyla/chatcore/internal/user"
	"github.com/kyla/chatcore/internal/violation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	logger.InitFromConfig(cfg.Log, "moderator")
	logger.Info("starting moderation service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Postgres)
	if err != nil {
		logger.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := storage.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Error("connect redis", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	nc, err := messaging.NewNATSClient(cfg.NATS, "kyla-moderator")
	if err != nil {
		logger.Error("connect nats", "err", err)
		os.Exit(1)
	}
	defer nc.Close()

	enforcer := ban.NewEnforcer(ban.NewStore(rdb), user.NewPostgresDirectory(db))
	tracker := violation.NewTracker(violation.NewPostgresRepository(db), enforcer, cfg.Violation)
	if err := tracker.Start(ctx, nc); err != nil {
		logger.Error("start violation tracker", "err", err)
		os.Exit(1)
	}

	watcher := moderation.NewWatcher(moderation.NewDetector(), nc)
	if err := watcher.Start(nc); err != nil {
		logger.Error("start inbound watcher", "err", err)
		os.Exit(1)
	}

	srv := ops.NewServer(cfg.MetricsAddr)
	srv.AddCheck("postgres", db.PingContext)
	srv.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	srv.AddCheck("nats", nc.Ping)
	if err := srv.Start(); err != nil {
		logger.Error("start ops server", "err", err)
		os.Exit(1)
	}

	logger.Info("moderation service running",
		"nats_url", cfg.NATS.URL,
		"promotion_threshold", cfg.Violation.PromotionThreshold,
		"promotion_window", cfg.Violation.PromotionWindow,
		"soft_ban", cfg.Violation.SoftBanDuration,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Warn("ops shutdown", "err", err)
	}
}
