// jobbroker is the HTTP service that brokers jobs between web applications
// and the configured compute destinations.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobbroker/internal/api"
	"jobbroker/internal/auth"
	"jobbroker/internal/config"
	"jobbroker/internal/destination"
	"jobbroker/internal/health"
	"jobbroker/internal/interactive"
	"jobbroker/internal/jobstore"
	"jobbroker/internal/observability"
	"jobbroker/internal/orchestrator"
	"jobbroker/internal/registry"
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

	svcCfg := config.LoadServiceConfig()
	cfg, err := config.Load(config.GetEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.JobRootDir, 0o755); err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Registry construction is where template and schema problems surface.
	reg, err := registry.New(cfg)
	if err != nil {
		return err
	}

	destinations, err := destination.Build(ctx, cfg.Destinations)
	if err != nil {
		return err
	}
	defer destination.CloseAll(destinations)
	slog.Info("Destinations ready", "destinations", destination.Names(destinations))

	picker, err := destination.NewPicker(cfg.DestinationPicker, destinations, reg.Names())
	if err != nil {
		return err
	}

	store := jobstore.NewMemoryStore()
	defer store.Close()

	orch := orchestrator.New(store, destinations, picker, cfg.JobRootDir, metrics)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	var verifier auth.Verifier = auth.AnonymousVerifier{}
	secret := cfg.Auth.Secret
	if secret == "" {
		secret = config.GetSecretFile(config.GetEnv("AUTH_SECRET_FILE", ""))
	}
	if secret != "" {
		verifier = auth.NewJWTVerifier(secret, cfg.Auth.Issuer)
		slog.Info("Bearer token authentication enabled")
	} else {
		slog.Warn("Authentication disabled - requests run as the anonymous principal")
	}

	healthChecker := health.NewChecker()
	healthChecker.Register("job_root", func(ctx context.Context) error {
		_, statErr := os.Stat(cfg.JobRootDir)
		return statErr
	})

	router := api.NewRouter(api.RouterConfig{
		Registry:      reg,
		Orchestrator:  orch,
		Runner:        interactive.NewRunner(),
		HealthChecker: healthChecker,
		Verifier:      verifier,
		Metrics:       metrics,
		JobRoot:       cfg.JobRootDir,
	})

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // archive uploads can be slow
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdownServers := func(timeout time.Duration) {
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
		shutdownServers(5 * time.Second)
		return err
	}

	// Phase 1: flip readiness so load balancers drain the instance.
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting connections, finish in-flight requests.
	slog.Info("Starting graceful shutdown")
	shutdownServers(25 * time.Second)

	// Phase 3: stop the reconcile loop, give in-flight stage-ins 30s, then
	// abort them; interrupted jobs are re-reconciled on the next startup.
	orchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(orchCtx); err != nil {
		slog.Warn("Orchestrator shutdown incomplete", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
