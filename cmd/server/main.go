package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/christopherjohns/chatguard/internal/ban"
	"github.com/christopherjohns/chatguard/internal/config"
	"github.com/christopherjohns/chatguard/internal/keylock"
	"github.com/christopherjohns/chatguard/internal/logging"
	"github.com/christopherjohns/chatguard/internal/message"
	"github.com/christopherjohns/chatguard/internal/metrics"
	"github.com/christopherjohns/chatguard/internal/moderation"
	"github.com/christopherjohns/chatguard/internal/ratelimit"
	"github.com/christopherjohns/chatguard/internal/review"
	"github.com/christopherjohns/chatguard/internal/room"
	"github.com/christopherjohns/chatguard/internal/server"
	"github.com/christopherjohns/chatguard/internal/session"
	"github.com/christopherjohns/chatguard/internal/storage"
	"github.com/christopherjohns/chatguard/internal/user"
	"github.com/christopherjohns/chatguard/internal/wordfilter"
	"github.com/christopherjohns/chatguard/internal/ws"
	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	banKey    = "chatguard:bans"
	userKey   = "chatguard:users"
	reviewKey = "chatguard:reviews"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatguard:", err)
		os.Exit(1)
	}
}

type backends struct {
	bans    storage.Store[ban.Snapshot]
	users   storage.Store[user.Snapshot]
	reviews storage.Store[review.Snapshot]
	history message.History
	close   func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	filter, err := wordfilter.New(cfg.Policy.BlockedWords)
	if err != nil {
		return fmt.Errorf("build word filter: %w", err)
	}

	// The ledger loads first so hydrating the registry can drop banned accounts.
	names := keylock.New()
	ledger := ban.NewLedger(be.bans, log, cfg.StorageTimeout)
	ledger.Hydrate(ctx)
	users := user.NewRegistry(be.users, ledger, names, log,
		user.WithWordFilter(filter),
		user.WithAdminExternalIDs(cfg.Policy.AdminExternalIDs...),
		user.WithStorageTimeout(cfg.StorageTimeout),
		user.WithMetrics(m),
	)
	users.Hydrate(ctx)
	reviews := review.NewQueue(be.reviews, log, cfg.StorageTimeout, m)
	reviews.Hydrate(ctx)

	sessions := session.NewAuthenticator(users, ledger)
	rooms := room.NewManager(sessions, ledger, log,
		room.WithHistory(be.history, cfg.HistoryLimit),
		room.WithMetrics(m),
	)
	mod := moderation.NewService(users, ledger, rooms, names, log, moderation.WithMetrics(m))

	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout),
		ws.WithLogger(log),
		ws.WithMetrics(m),
	)
	defer conns.Shutdown()
	wsHandler := ws.NewHandler(rooms, sessions, conns, log, ws.WithOriginPatterns(cfg.AllowedOrigins...))

	registerLimit := ratelimit.NewIPLimiter(cfg.RegisterRateLimit, cfg.RegisterRateWindow)
	submitLimit := ratelimit.NewIPLimiter(cfg.RegisterRateLimit, cfg.RegisterRateWindow)
	go sweep(ctx, cfg.RegisterRateWindow, registerLimit, submitLimit)

	srv := server.New(cfg.ListenAddr, server.Deps{
		Users:      users,
		Sessions:   sessions,
		Moderation: mod,
		Reviews:    reviews,
		Rooms:      rooms,
		WS:         wsHandler,
		Conns:      conns,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Log:        log,
	},
		server.WithRegisterLimiter(registerLimit),
		server.WithSubmitLimiter(submitLimit),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
	)

	log.Info("chatguard starting",
		"addr", cfg.ListenAddr,
		"storage", cfg.StorageBackend,
		"users", users.Count(),
		"bans", ledger.Count(),
	)
	return srv.Run(ctx)
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (backends, error) {
	switch cfg.StorageBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return backends{}, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr)
		return backends{
			bans:    storage.NewRedis[ban.Snapshot](rdb, banKey),
			users:   storage.NewRedis[user.Snapshot](rdb, userKey),
			reviews: storage.NewRedis[review.Snapshot](rdb, reviewKey),
			history: message.NewRedisStore(rdb, cfg.HistorySize),
			close:   func() { rdb.Close() },
		}, nil

	case config.BackendBadger:
		db, err := badger.Open(badger.DefaultOptions(cfg.BadgerDir).WithLoggingLevel(badger.ERROR))
		if err != nil {
			return backends{}, fmt.Errorf("open badger at %s: %w", cfg.BadgerDir, err)
		}
		log.Info("opened badger", "dir", cfg.BadgerDir)
		return backends{
			bans:    storage.NewBadger[ban.Snapshot](db, banKey),
			users:   storage.NewBadger[user.Snapshot](db, userKey),
			reviews: storage.NewBadger[review.Snapshot](db, reviewKey),
			history: message.NewStore(cfg.HistorySize),
			close: func() {
				if err := db.Close(); err != nil {
					log.Warn("badger close failed", "err", err)
				}
			},
		}, nil

	default:
		return backends{
			bans:    storage.NewMemory[ban.Snapshot](),
			users:   storage.NewMemory[user.Snapshot](),
			reviews: storage.NewMemory[review.Snapshot](),
			history: message.NewStore(cfg.HistorySize),
			close:   func() {},
		}, nil
	}
}

func sweep(ctx context.Context, every time.Duration, limiters ...*ratelimit.IPLimiter) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, l := range limiters {
				l.Sweep()
			}
		}
	}
}
