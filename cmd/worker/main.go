package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/outbox"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/projector"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// worker runs the outbox relay (Postgres -> Kafka) and the order status
// projector (Kafka -> Redis) side by side.
func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("checkout-worker", "info")
		l.Fatal().Err(err).Msg("config")
	}
	name := cfg.ServiceName + "-worker"
	log := logging.New(name, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: cfg.PGMaxConns})
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relay := outbox.NewRelay(&outbox.PGStore{DB: db}, prod,
		outbox.WithLogger(log.With().Str("component", "outbox").Logger()),
		outbox.WithObserver(metrics.NewOutboxMetrics(reg)),
		outbox.WithInterval(cfg.OutboxInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
	)

	proj := &projector.Service{
		Cache: redisx.NewStatusCache(rdb),
		Dedup: redisx.NewDedup(rdb, name),
		Log:   log.With().Str("component", "projector").Logger(),
		Obs:   metrics.NewProjectorMetrics(reg),
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, orders.AllTopics, cfg.ConsumerWorkers, log)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Dur("interval", cfg.OutboxInterval).Int("batch", cfg.OutboxBatchSize).Msg("outbox relay started")
		return relay.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("group", cfg.ConsumerGroup).Strs("topics", orders.AllTopics).Int("workers", cfg.ConsumerWorkers).Msg("projector consumer started")
		return cons.Start(gctx, proj.HandleOrderEvent)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down worker...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}
}
