package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ttateluc/xo-trader/internal/admission"
	"github.com/ttateluc/xo-trader/internal/clock"
	"github.com/ttateluc/xo-trader/internal/config"
	"github.com/ttateluc/xo-trader/internal/coordinator"
	"github.com/ttateluc/xo-trader/internal/feed"
	"github.com/ttateluc/xo-trader/internal/gateway"
	"github.com/ttateluc/xo-trader/internal/ledger"
	"github.com/ttateluc/xo-trader/internal/metrics"
	"github.com/ttateluc/xo-trader/internal/reconciler"
	"github.com/ttateluc/xo-trader/internal/statemachine"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	lg, err := ledger.NewGorm(db, logger)
	if err != nil {
		logger.Fatal("failed to initialize ledger", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	clk := clock.System{}
	cache := admission.NewConfigCache(lg, clk, cfg.ConfigRefresh(), logger)
	limiters := admission.NewRateLimiters()
	exposure := admission.NewExposureLimiter(cache, lg)
	control := admission.NewControl(cache, limiters, exposure, lg, m, logger)

	machines := statemachine.NewRegistry(lg, clk, m, logger)
	results := gateway.NewResultHandler(machines, lg, m, logger)
	commander := gateway.NewWsCommander(cfg.GatewayURL, results, m, logger)

	coord := coordinator.NewCoordinator(cache, control, machines, commander, clk, m, logger)
	machines.AddCompletionListener(coord)

	updater := reconciler.NewUpdater(commander, machines, clk, reconciler.UpdaterConfig{
		BulkInterval:             time.Duration(cfg.Schedule.BulkUpdateS) * time.Second,
		StuckInterval:            time.Duration(cfg.Schedule.StuckUpdateS) * time.Second,
		TimeoutInterval:          time.Duration(cfg.Schedule.TimeoutCheckS) * time.Second,
		OrderTimeout:             time.Duration(cfg.Updater.OrderTimeoutS) * time.Second,
		MaxToCheckStuckPerClient: cfg.Updater.MaxToCheckStuckPerClient,
	}, m, logger)

	scheduler := reconciler.NewScheduler(lg, cfg.Workers, m, logger)
	updater.Register(scheduler)
	scheduler.Register(reconciler.Task{
		Name:      "push-slaves",
		Interval:  time.Duration(cfg.Schedule.PushSlaveS) * time.Second,
		Isolation: reconciler.ReadWrite,
		Run: func(ctx context.Context, tx ledger.Ledger) error {
			return coord.PushSlaves(ctx, tx)
		},
	})

	marketFeed := feed.NewWsFeed(cfg.FeedURL, func(ctx context.Context) ([]feed.Subscription, error) {
		configs, err := cache.ActiveConfigs(ctx)
		if err != nil {
			return nil, err
		}
		subs := make([]feed.Subscription, 0, len(configs))
		for _, c := range configs {
			subs = append(subs, feed.Subscription{Mode: "BOOK", Client: c.Client})
		}
		return subs, nil
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go commander.Run(ctx)
	go marketFeed.Run(ctx)
	go drainBooks(ctx, marketFeed, logger)
	scheduler.Start(ctx)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("trade lifecycle coordinator started")
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	scheduler.Wait()
	logger.Info("stopped")
}

// drainBooks forwards order-book snapshots to the opportunity strategies.
// The scoring models attach here; the lifecycle core itself only keeps the
// stream flowing.
func drainBooks(ctx context.Context, f feed.Feed, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case book, ok := <-f.Books():
			if !ok {
				return
			}
			logger.Debug("book received",
				zap.String("client", book.Client),
				zap.String("pair", book.CurrencyFrom+"/"+book.CurrencyTo),
			)
		}
	}
}
