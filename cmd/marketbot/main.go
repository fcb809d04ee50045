package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/discord-market-bot/internal/admin"
	"github.com/jensholdgaard/discord-market-bot/internal/auction"
	"github.com/jensholdgaard/discord-market-bot/internal/bot"
	"github.com/jensholdgaard/discord-market-bot/internal/bot/commands"
	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/deal"
	"github.com/jensholdgaard/discord-market-bot/internal/discord"
	"github.com/jensholdgaard/discord-market-bot/internal/giveaway"
	"github.com/jensholdgaard/discord-market-bot/internal/health"
	"github.com/jensholdgaard/discord-market-bot/internal/leader"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/pending"
	"github.com/jensholdgaard/discord-market-bot/internal/recovery"
	"github.com/jensholdgaard/discord-market-bot/internal/schedule"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
	"github.com/jensholdgaard/discord-market-bot/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/discord-market-bot/internal/store/memstore"
	_ "github.com/jensholdgaard/discord-market-bot/internal/store/postgres"
	_ "github.com/jensholdgaard/discord-market-bot/internal/store/sqlite"
)

var version = "dev"

const redisPrefix = "marketbot:"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "database", Check: repos.Ping}}

	pendingStore, closePending, err := openPending(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closePending()
	if rs, ok := pendingStore.(*pending.Redis); ok {
		checkers = append(checkers, health.Checker{Name: "redis", Check: rs.Ping})
	}

	publisher, nc, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Drain()
		checkers = append(checkers, health.Checker{Name: "nats", Check: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}})
	}

	discordBot, err := bot.New(cfg.Discord, logger)
	if err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}
	session := discordBot.Session()
	messenger := discord.NewMessenger(session)
	identity := discord.Identity{}
	notifier := messaging.NewNotifier(messenger, logger, 10*time.Second)
	sched := schedule.New(clk, logger)
	tracker := deal.NewTracker(clk, cfg.Market.InactivityTimeout)

	handoff := deal.NewHandoff(deal.HandoffDeps{
		Deals:          repos.Deals,
		Events:         repos.Events,
		Rooms:          discord.NewRooms(session, cfg.Discord.GuildID, cfg.Discord.DealCategoryID, discordBot.SelfID),
		Identity:       identity,
		Notifier:       notifier,
		Publisher:      publisher,
		Tracker:        tracker,
		Logger:         logger,
		TracerProvider: tp.TracerProvider,
		MeterProvider:  tp.MeterProvider,
		Clock:          clk,
	})
	auctionMgr := auction.NewManager(auction.Deps{
		Auctions:       repos.Auctions,
		Outcomes:       repos.Outcomes,
		Events:         repos.Events,
		Scheduler:      sched,
		Notifier:       notifier,
		Prompter:       discord.NewPrompter(session),
		Identity:       identity,
		Deals:          handoff,
		Market:         cfg.Market,
		Logger:         logger,
		TracerProvider: tp.TracerProvider,
		MeterProvider:  tp.MeterProvider,
		Clock:          clk,
	})
	giveawayMgr := giveaway.NewManager(giveaway.Deps{
		Giveaways:      repos.Giveaways,
		Events:         repos.Events,
		Scheduler:      sched,
		Notifier:       notifier,
		Identity:       identity,
		Deals:          handoff,
		Market:         cfg.Market,
		Logger:         logger,
		TracerProvider: tp.TracerProvider,
		MeterProvider:  tp.MeterProvider,
		Clock:          clk,
	})
	handlers := commands.NewHandlers(commands.Deps{
		Auctions:       auctionMgr,
		Giveaways:      giveawayMgr,
		Pending:        pendingStore,
		Tracker:        tracker,
		Notifier:       notifier,
		Discord:        cfg.Discord,
		Market:         cfg.Market,
		Logger:         logger,
		TracerProvider: tp.TracerProvider,
	})

	healthHandler := health.NewHandler(clk, checkers...)
	healthHandler.AddGauge(health.Gauge{Name: "timers", Value: func() int { return len(sched.Pending()) }})
	healthHandler.AddGauge(health.Gauge{Name: "deal_rooms", Value: tracker.Len})

	// Start HTTP server for health checks and operator endpoints (runs on all replicas).
	mux := http.NewServeMux()
	healthHandler.Register(mux)
	admin.NewHandler(repos.Outcomes, auctionMgr, giveawayMgr, logger).Register(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()
	healthHandler.SetReady(true)

	// runEngine is the work only the leader may do: owning timers and
	// answering bids.
	runEngine := func(ctx context.Context) {
		if botErr := discordBot.Start(ctx, handlers); botErr != nil {
			logger.ErrorContext(ctx, "starting bot failed", slog.Any("error", botErr))
			cancel()
			return
		}
		healthHandler.SetRole(health.RoleLeader)

		rec := recovery.New(recovery.Deps{
			AuctionRepo:    repos.Auctions,
			GiveawayRepo:   repos.Giveaways,
			Auctions:       auctionMgr,
			Giveaways:      giveawayMgr,
			Messenger:      messenger,
			Notifier:       notifier,
			Pending:        pendingStore,
			Self:           discordBot.SelfID(),
			HistoryLimit:   cfg.Market.HistoryLimit,
			Logger:         logger,
			TracerProvider: tp.TracerProvider,
			MeterProvider:  tp.MeterProvider,
			Clock:          clk,
		})
		rep, recErr := rec.Run(ctx)
		if recErr != nil {
			logger.ErrorContext(ctx, "recovery failed", slog.Any("error", recErr))
		} else {
			logger.InfoContext(ctx, "recovery complete",
				slog.Int("auctions", rep.Auctions),
				slog.Int("ended", rep.Ended),
				slog.Int("replayed", rep.Replayed),
				slog.Int("dropped", rep.Dropped),
				slog.Int("giveaways", rep.Giveaways),
				slog.Int("resolved", rep.Resolved),
				slog.Int("settled", rep.Settled),
			)
		}

		// Messages received while replaying are handled only now, after
		// every missed bid.
		held := handlers.Ready(ctx)
		logger.InfoContext(ctx, "marketbot is running (leader)",
			slog.String("version", version),
			slog.Int("held_messages", held),
		)

		ticker := time.NewTicker(cfg.Market.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				handlers.Sweep(ctx)
			}
		}
	}

	if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, leader.Callbacks{
		OnStartedLeading: runEngine,
		OnStoppedLeading: func() {
			logger.Info("leadership ended, shutting down...")
			cancel()
		},
	}); leaderErr != nil {
		return fmt.Errorf("leader election: %w", leaderErr)
	}

	healthHandler.SetReady(false)
	sched.Stop()
	if stopErr := discordBot.Stop(); stopErr != nil {
		logger.Error("bot shutdown error", slog.Any("error", stopErr))
	}
	notifier.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openPending returns the configured pending submission backend and a
// function releasing it.
func openPending(ctx context.Context, cfg *config.Config, clk clock.Clock) (pending.Store, func(), error) {
	m := cfg.Market
	if m.PendingBackend != "redis" {
		return pending.NewMemory(clk, m.PendingTimeout, m.MaxPendingPerUser), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return pending.NewRedis(rdb, clk, redisPrefix, m.PendingTimeout, m.MaxPendingPerUser), func() { _ = rdb.Close() }, nil
}

// openPublisher connects the settlement stream, or logs deals when no
// NATS url is configured.
func openPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (deal.Publisher, *nats.Conn, error) {
	if cfg.NATS.URL == "" {
		logger.InfoContext(ctx, "no nats url configured, deals are logged only")
		return deal.LogPublisher{Logger: logger}, nil, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.Telemetry.ServiceName),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}
	pub, err := deal.NewJetStreamPublisher(ctx, nc, cfg.NATS)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return pub, nc, nil
}
