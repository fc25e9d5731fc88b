// quantum-jobs is the HTTP API server that submits, tracks and cancels jobs
// on remote quantum backends.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"quantumjobs/internal/api"
	"quantumjobs/internal/archive"
	"quantumjobs/internal/auth"
	"quantumjobs/internal/catalog"
	"quantumjobs/internal/cloud"
	"quantumjobs/internal/config"
	"quantumjobs/internal/credential"
	"quantumjobs/internal/dispatcher"
	"quantumjobs/internal/health"
	"quantumjobs/internal/job"
	"quantumjobs/internal/notify"
	"quantumjobs/internal/observability"
	"quantumjobs/internal/reconcile"
	"quantumjobs/internal/retry"
	"quantumjobs/pkg/circuitbreaker"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	vault, err := credential.NewVault(cfg.Cloud.Secret)
	if err != nil {
		return err
	}
	slog.Info("Loaded cloud credential", "credential", vault.Masked(), "region", cfg.Cloud.Region)

	client := cloud.NewClient(cloud.Endpoints{
		IAMTokenURL:   cfg.Cloud.IAMURL,
		RuntimeURL:    cfg.Cloud.RuntimeURL,
		LegacyAuthURL: cfg.Cloud.LegacyAuthURL,
		LegacyAPIURL:  cfg.Cloud.LegacyAPIURL,
	}, cfg.Cloud.HTTPTimeout, vault)

	authenticator := auth.New(vault, client, auth.Config{
		ServiceContext:   cfg.Cloud.ServiceCRN,
		SafetyMargin:     cfg.Cloud.SessionSafetyMargin,
		LegacySessionTTL: cfg.Cloud.LegacySessionTTL,
		FlightTimeout:    cfg.Cloud.HTTPTimeout * 2,
	}, metrics)

	policy := retry.New(retry.Config{
		MaxAttempts: cfg.Dispatch.RetryMaxAttempts,
		Initial:     cfg.Dispatch.RetryInitialBackoff,
		Max:         cfg.Dispatch.RetryMaxBackoff,
		Jitter:      cfg.Dispatch.RetryJitter,
	}, cloud.IsTransient)

	backends := catalog.New(authenticator, client, policy, cfg.Cloud.CatalogTTL)

	vocabulary, err := reconcile.LoadVocabulary(cfg.Dispatch.StatusVocabularyFile)
	if err != nil {
		return err
	}
	reconciler, err := reconcile.New(vocabulary)
	if err != nil {
		return err
	}

	notifier, webhook := newNotifier(cfg.Notify, metrics)

	store := job.NewStore()

	// Optional Postgres archive; restored jobs resume polling below.
	var (
		jobArchive *archive.Archive
		restored   []job.Job
		deps       = dispatcher.Deps{
			Store:      store,
			Sessions:   authenticator,
			Remote:     client,
			Catalog:    backends,
			Reconciler: reconciler,
			Retry:      policy,
			Notifier:   notifier,
			Metrics:    metrics,
		}
	)
	if cfg.PostgresDSN != "" {
		jobArchive, err = archive.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer jobArchive.Close()

		restored, err = jobArchive.Restore(ctx, store)
		if err != nil {
			return err
		}
		deps.Archive = jobArchive
		slog.Info("Job archive enabled", "inFlight", len(restored))
	}

	d := dispatcher.New(deps, dispatcher.Config{
		PollInterval:   cfg.Dispatch.PollInterval,
		PollBackoffMax: cfg.Dispatch.PollBackoffMax,
		PollRate:       cfg.Dispatch.PollRatePerBackend,
		PollBurst:      cfg.Dispatch.PollBurstPerBackend,
		CallTimeout:    cfg.Cloud.HTTPTimeout * 2,
		Breaker: circuitbreaker.Config{
			Threshold: cfg.Dispatch.BreakerThreshold,
			Window:    cfg.Dispatch.BreakerWindow,
			Cooldown:  cfg.Dispatch.BreakerCooldown,
		},
	})
	if n := d.Resume(restored); n > 0 {
		slog.Info("Resumed polling for archived jobs", "jobs", n)
	}

	healthChecker := health.NewChecker(d.Breakers())
	healthChecker.Register("upstream", func(ctx context.Context) error {
		_, err := authenticator.Authenticate(ctx)
		return err
	})
	if jobArchive != nil {
		healthChecker.Register("archive", jobArchive.Ping)
	}

	jobService := job.NewService(store, d, backends)

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		stopBackground(d, notifier)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: stop poll loops, then flush the status stream
	stopBackground(d, notifier)

	if webhook != nil {
		stats := webhook.Stats()
		slog.Info("Webhook stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	// Non-terminal jobs keep running on their backends. With the archive
	// enabled the next start resumes polling them.
	slog.Info("Shutdown complete", "inFlight", len(store.NonTerminal()))
	return nil
}

// newNotifier builds the status stream from the configured sinks. The
// returned webhook is nil when no callback URL is set.
func newNotifier(cfg config.NotifyConfig, metrics *observability.Metrics) (notify.Notifier, *notify.Webhook) {
	var (
		sinks   notify.Multi
		webhook *notify.Webhook
	)
	if cfg.CallbackURL != "" {
		webhook = notify.NewWebhook(notify.WebhookConfig{
			URL:         cfg.CallbackURL,
			SigningKey:  cfg.CallbackKey,
			BufferSize:  cfg.BufferSize,
			Workers:     cfg.Workers,
			HTTPTimeout: cfg.HTTPTimeout,
		}, metrics)
		sinks = append(sinks, webhook)
		slog.Info("Webhook notifier enabled", "url", cfg.CallbackURL, "signed", cfg.CallbackKey != "")
	}
	if cfg.RedisAddr != "" {
		sinks = append(sinks, notify.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel))
		slog.Info("Redis notifier enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}
	if len(sinks) == 0 {
		return notify.Nop{}, nil
	}
	return sinks, webhook
}

func stopBackground(d *dispatcher.Dispatcher, notifier notify.Notifier) {
	slog.Info("Stopping poll loops", "active", d.Active())
	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(dctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	nctx, ncancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ncancel()
	if err := notifier.Close(nctx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}
}
