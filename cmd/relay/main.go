package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kyla/chatcore/internal/chat"
	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/gate"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/ops"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/ratelimit"
	"github.com/kyla/chatcore/internal/safemode"
	"github.com/kyla/chatcore/internal/storage"
	"github.com/kyla/chatcore/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	logger.InitFromConfig(cfg.Log, "relay")
	logger.Info("starting relay service")

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

	nc, err := messaging.NewNATSClient(cfg.NATS, "kyla-relay")
	if err != nil {
		logger.Error("connect nats", "err", err)
		os.Exit(1)
	}
	defer nc.Close()

	pairs := pair.NewPostgresStore(db)
	users := user.NewPostgresDirectory(db)
	grants := safemode.NewRedisGrants(rdb, cfg.SafeMode.GrantTTL)

	safe := safemode.NewService(grants, pairs, users, nc, ratelimit.NewLimiter(rdb), cfg.Gate)
	if err := safe.Start(ctx, nc); err != nil {
		logger.Error("start safe-mode service", "err", err)
		os.Exit(1)
	}

	flags := gate.NewRedisNoticeFlags(rdb)
	g := gate.New(pairs, users, grants, cfg.Gate,
		gate.WithPrompter(safe),
		gate.WithConversationLog(chat.NewLog(rdb, cfg.Gate.LogSize, cfg.Gate.LogTTL)),
		gate.WithNoticeFlags(flags),
		gate.WithCooldowns(flags),
	)
	if err := g.Start(ctx, nc, nc); err != nil {
		logger.Error("start gate", "err", err)
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

	logger.Info("relay service running",
		"nats_url", cfg.NATS.URL,
		"rate_limit_window", cfg.Gate.RateLimitWindow,
		"partner_stale_after", cfg.Gate.PartnerStaleAfter,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Warn("ops shutdown", "err", err)
	}
}
