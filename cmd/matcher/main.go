package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kyla/chatcore/internal/chat"
	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/matching"
	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/ops"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/ratelimit"
	"github.com/kyla/chatcore/internal/storage"
	"github.com/kyla/chatcore/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	logger.InitFromConfig(cfg.Log, "matcher")
	logger.Info("starting matching service")

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

	nc, err := messaging.NewNATSClient(cfg.NATS, "kyla-matcher")
	if err != nil {
		logger.Error("connect nats", "err", err)
		os.Exit(1)
	}
	defer nc.Close()

	svc := matching.NewService(
		matching.NewPostgresQueue(db),
		pair.NewPostgresStore(db),
		user.NewPostgresDirectory(db),
		nc,
		ratelimit.NewLimiter(rdb),
		cfg.Matching,
		matching.WithConversationLog(chat.NewLog(rdb, cfg.Gate.LogSize, cfg.Gate.LogTTL)),
	)
	if err := svc.Start(ctx, nc); err != nil {
		logger.Error("start matching service", "err", err)
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

	logger.Info("matching service running",
		"nats_url", cfg.NATS.URL,
		"redis_addr", cfg.Redis.Addr,
		"random_matching", cfg.Matching.RandomMatching,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Warn("ops shutdown", "err", err)
	}
}
