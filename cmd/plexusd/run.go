package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/a2a"
	"github.com/eugener/plexus/internal/auth"
	"github.com/eugener/plexus/internal/circuitbreaker"
	"github.com/eugener/plexus/internal/config"
	"github.com/eugener/plexus/internal/cooldown"
	"github.com/eugener/plexus/internal/dispatcher"
	"github.com/eugener/plexus/internal/ratelimit"
	"github.com/eugener/plexus/internal/router"
	"github.com/eugener/plexus/internal/server"
	"github.com/eugener/plexus/internal/storage/sqlite"
	"github.com/eugener/plexus/internal/telemetry"
	"github.com/eugener/plexus/internal/worker"

	// Blank-imported for their init() dialect registration side effect
	// (internal/transform.Register), mirroring the teacher's provider
	// package wiring.
	_ "github.com/eugener/plexus/internal/transform/anthropic"
	_ "github.com/eugener/plexus/internal/transform/gemini"
	_ "github.com/eugener/plexus/internal/transform/openai"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.Default()
	log.Info("starting plexus", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("database opened", "dsn", cfg.Database.DSN)

	ctx := context.Background()

	providers := make([]gateway.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		entry := p.ToDomain()
		if !entry.Enabled {
			log.Info("provider skipped (disabled)", "name", entry.Name)
			continue
		}
		providers = append(providers, entry)
		log.Info("provider registered", "name", entry.Name, "type", entry.Type)
	}

	models := make([]gateway.ModelConfig, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, m.ToDomain())
	}
	log.Info("models configured", "count", len(models))

	cooldowns, err := cooldown.New(ctx, store, time.Duration(cfg.Cooldown.DefaultMinutes)*time.Minute, log)
	if err != nil {
		return fmt.Errorf("cooldown manager: %w", err)
	}
	cooldowns.RegisterDefaultParsers()

	rtr := router.New(providers, models, cooldowns)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// OAuth account-pool credential refresh is a pre-provisioned, out-of-band
	// concern (spec.md §4.2); no CredentialSource is wired here, so
	// oauth_account_pool-bearing providers dispatch without rotation.
	disp := dispatcher.New(rtr, cooldowns, breakers, nil, dnsResolver, log)

	idempotencyRetention := time.Duration(cfg.A2A.IdempotencyRetentionHours) * time.Hour
	a2aSvc := a2a.New(store, store, store, cfg.A2A.PushAuthEncryptionKey, cfg.Auth.AdminKey, idempotencyRetention, log)

	pushWorker := a2a.NewPushDeliveryWorker(a2aSvc, store, cfg.A2A.PushMaxQueueDepth, cfg.A2A.PushAllowInsecureEndpoints, log)
	a2aSvc.SetPushNotifier(pushWorker)

	usageRecorder := worker.NewUsageRecorder(store)
	idempotencySweeper := worker.NewIdempotencySweeper(store, idempotencyRetention, log)

	runner := worker.NewRunner(usageRecorder, pushWorker, idempotencySweeper)

	rateLimiter := ratelimit.NewRegistry(cfg.RateLimit.MaxBuckets)
	log.Info("rate limits configured",
		"enabled", cfg.RateLimit.Enabled,
		"window", cfg.RateLimit.Window,
		"max_requests", cfg.RateLimit.MaxRequests,
		"max_stream_requests", cfg.RateLimit.MaxStreamRequests,
	)
	if !cfg.RateLimit.Enabled {
		rateLimiter = nil
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		log.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			log.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("plexus/server")
			log.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	bearerAuth := auth.NewBearerAuth(cfg.Auth.AdminKey)

	handler := server.New(server.Deps{
		Auth:       bearerAuth,
		Dispatcher: disp,
		Router:     rtr,
		A2A:        a2aSvc,

		Usage:       usageRecorder,
		RateLimiter: rateLimiter,
		RateLimit: server.RateLimitConfig{
			Window:            cfg.RateLimit.Window,
			MaxRequests:       cfg.RateLimit.MaxRequests,
			MaxStreamRequests: cfg.RateLimit.MaxStreamRequests,
		},

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     func(ctx context.Context) error { return store.Ping(ctx) },
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("plexus ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		log.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", "error", err)
		}
	}

	log.Info("plexus stopped")
	return nil
}
