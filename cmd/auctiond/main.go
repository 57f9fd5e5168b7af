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
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/charity-auction/internal/bidding"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/closing"
	"github.com/jensholdgaard/charity-auction/internal/config"
	"github.com/jensholdgaard/charity-auction/internal/health"
	"github.com/jensholdgaard/charity-auction/internal/httpapi"
	"github.com/jensholdgaard/charity-auction/internal/leader"
	"github.com/jensholdgaard/charity-auction/internal/notify"
	"github.com/jensholdgaard/charity-auction/internal/payment"
	"github.com/jensholdgaard/charity-auction/internal/store"
	"github.com/jensholdgaard/charity-auction/internal/telemetry"
	"github.com/jensholdgaard/charity-auction/internal/throttle"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/charity-auction/internal/store/memstore"
	_ "github.com/jensholdgaard/charity-auction/internal/store/mysql"
	_ "github.com/jensholdgaard/charity-auction/internal/store/postgres"
)

var version = "dev"

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

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		if !errors.Is(err, telemetry.ErrNoEndpoint) {
			slog.Warn("telemetry setup failed, logging locally", slog.Any("error", err))
		}
		tp = telemetry.NewLocalProvider(cfg.Telemetry, os.Stdout, slog.LevelInfo)
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
	logger.InfoContext(ctx, "store opened", slog.String("driver", cfg.Database.Driver))

	dispatcher, closeDispatcher, err := newDispatcher(ctx, cfg.Payments, clk, logger)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	engine, err := bidding.NewEngine(repos.Items, repos.Journal, logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating bidding engine: %w", err)
	}
	payments, err := payment.NewService(repos, dispatcher, logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating payment service: %w", err)
	}

	opts := closing.Options{
		MaxLots:            cfg.Sweep.MaxLots,
		AutoRequestDefault: cfg.Payments.AutoRequestDefault,
		Payments:           payments,
	}
	if cfg.Discord.Token != "" {
		d, err := notify.NewDiscord(cfg.Discord, logger, tp.TracerProvider)
		if err != nil {
			return fmt.Errorf("creating discord announcer: %w", err)
		}
		opts.Announcer = d
	}
	sweeper, err := closing.NewSweeper(repos, opts, logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating sweeper: %w", err)
	}

	gate, closeGate, err := newGate(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeGate()

	healthHandler := health.NewHandler(clk, health.Checker{Name: "database", Check: repos.Ping})
	if cfg.Sweep.Interval > 0 && !cfg.LeaderElection.Enabled {
		healthHandler.AddChecker(health.SweepFreshness(sweeper.LastRun, clk, 5*cfg.Sweep.Interval))
	}

	apiOpts := httpapi.Options{
		CheckoutBaseURL:    cfg.Payments.CheckoutBaseURL,
		AdminToken:         cfg.Server.AdminToken,
		WebhookSecret:      cfg.Payments.WebhookSecret,
		AutoRequestDefault: cfg.Payments.AutoRequestDefault,
		Health:             healthHandler,
		TracerProvider:     tp.TracerProvider,
	}
	if cfg.Sweep.RequestTrigger {
		apiOpts.Trigger = closing.Trigger(sweeper, gate, logger)
	}
	api := httpapi.New(repos, engine, payments, sweeper, apiOpts, logger, clk)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	if cfg.Sweep.Interval > 0 {
		periodic := func(ctx context.Context) { closing.Run(ctx, sweeper, cfg.Sweep.Interval, logger) }
		if cfg.LeaderElection.Enabled {
			go func() {
				if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, periodic); leaderErr != nil {
					logger.ErrorContext(ctx, "leader election stopped, periodic sweeps disabled", slog.Any("error", leaderErr))
				}
			}()
		} else {
			go periodic(ctx)
		}
	}

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	<-ctx.Done()
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// newDispatcher publishes checkout requests to JetStream when a NATS URL is
// configured and only logs them otherwise.
func newDispatcher(ctx context.Context, cfg config.PaymentsConfig, clk clock.Clock, logger *slog.Logger) (payment.Dispatcher, func(), error) {
	if cfg.NATSURL == "" {
		return payment.LogDispatcher{Logger: logger, CheckoutBase: cfg.CheckoutBaseURL}, func() {}, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("auctiond"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	if err := payment.EnsureStream(ctx, js, cfg.SubjectPrefix); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logger.InfoContext(ctx, "dispatching payment requests to nats", slog.String("subject_prefix", cfg.SubjectPrefix))
	return payment.NewNATSDispatcher(js, cfg.SubjectPrefix, cfg.CheckoutBaseURL, clk.Now), func() { _ = nc.Drain() }, nil
}

// newGate shares the request-trigger throttle through Redis when configured.
func newGate(ctx context.Context, cfg *config.Config, clk clock.Clock) (throttle.Gate, func(), error) {
	if cfg.Redis.Addr == "" {
		return throttle.NewMemory(cfg.Sweep.MinGap, clk), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("pinging redis: %w", err)
	}
	return throttle.NewRedis(client, "auctiond:sweep-trigger", cfg.Sweep.MinGap, clk), func() { _ = client.Close() }, nil
}
