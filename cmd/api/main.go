package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-storefront-checkout/internal/auth"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/httpx"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payment"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("checkout-api", "info")
		l.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	if err := redisx.Ping(ctx, rdb); err != nil {
		// bukan fatal: idempotency & cache jadi best-effort
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Payment gateway
	gateway := payment.NewClient(payment.Config{
		BaseURL:          cfg.PaystackBaseURL,
		SecretKey:        cfg.PaystackSecretKey,
		CallbackURL:      cfg.PaystackCallbackURL,
		InitTimeout:      cfg.PaymentInitTimeout,
		VerifyTimeout:    cfg.PaymentVerifyTimeout,
		MaxAttempts:      cfg.PaymentMaxAttempts,
		FailureThreshold: cfg.BreakerFailures,
		OpenTimeout:      cfg.BreakerOpenTimeout,
	}, payment.WithObserver(metrics.NewGatewayMetrics(reg)), payment.WithLogger(log))

	svc := checkout.NewService(&orders.Repo{DB: db}, gateway,
		checkout.WithLogger(log),
		checkout.WithProducerName(cfg.ServiceName),
		checkout.WithDefaultCurrency(cfg.PaymentCurrency),
	)

	var admin *auth.Verifier
	if cfg.AdminJWTSecret != "" {
		admin = auth.NewVerifier(cfg.AdminJWTSecret)
	} else {
		log.Warn().Msg("ADMIN_JWT_SECRET empty, admin routes are unprotected")
	}

	router := httpx.NewRouter(httpx.Deps{
		Checkout:       svc,
		Idempotency:    redisx.NewIdempotency(rdb),
		StatusCache:    redisx.NewStatusCache(rdb),
		Admin:          admin,
		Metrics:        metrics.NewServerMetrics(reg, "api"),
		Gatherer:       reg,
		Log:            log,
		FrontendURL:    cfg.FrontendURL,
		RequestTimeout: cfg.RequestTimeout,
	})

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}
