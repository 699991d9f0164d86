package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/app"
	"github.com/Dolores18/api-manager/internal/balance"
	"github.com/Dolores18/api-manager/internal/config"
	"github.com/Dolores18/api-manager/internal/pool"
	"github.com/Dolores18/api-manager/internal/server"
	"github.com/Dolores18/api-manager/internal/storage/sqlite"
	"github.com/Dolores18/api-manager/internal/telemetry"
	"github.com/Dolores18/api-manager/internal/upstream"
	"github.com/Dolores18/api-manager/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	slog.Info("starting api-manager", "version", version, "addr", cfg.App.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Open database
	store, err := sqlite.New(cfg.Database.DSN(), sqlite.Options{
		EnableWAL:         cfg.Database.EnableWAL,
		EnableForeignKeys: cfg.Database.EnableForeignKeys,
		MaxReadConns:      cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(reg)

	// Seed the pool from the persisted active rows.
	rows, err := store.ListActiveProviders(ctx)
	if err != nil {
		return err
	}
	providers := make([]gateway.Provider, len(rows))
	for i, p := range rows {
		providers[i] = *p
	}
	pl := pool.New(providers)
	metrics.PoolProviders.Set(float64(len(providers)))

	checker := balance.NewChecker(store, cfg.HealthCheck.Timeout)
	admitter := app.NewAdmitter(store, checker, pl, cfg.Pool.MaxSize)

	if err := admitSeeds(ctx, cfg, admitter); err != nil {
		return err
	}
	metrics.PoolProviders.Set(float64(pl.Len()))

	recorder := worker.NewUsageRecorder(store, metrics)
	dispatcher := app.NewDispatcher(pl, upstream.NewClient(cfg.Pool.IdleTimeout), recorder, metrics)

	var metricsH http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsH = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	handler := server.New(server.Deps{
		Dispatcher: dispatcher,
		Admitter:   admitter,
		Providers:  store,
		Pricing:    store,
		ReadyCheck: store.Ping,
		Metrics:    metrics,
		MetricsH:   metricsH,
		CORS:       cfg.App.CORSAllowedOrigins,
	})

	// Background workers: usage batching and the balance reconciler.
	runner := worker.NewRunner(
		recorder,
		worker.NewBalanceCheckWorker(checker, pl, metrics, cfg.HealthCheck.Interval),
	)
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()

	srv := &http.Server{
		Addr:        cfg.App.Addr(),
		Handler:     handler,
		ReadTimeout: cfg.App.ReadTimeout,
		// No WriteTimeout: SSE responses stay open for the life of the
		// upstream stream.
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("api-manager ready", "addr", cfg.App.Addr(), "providers", pl.Len())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		cancelWorkers()
		<-workersDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the listener so in-flight requests can still
	// enqueue usage rows; the recorder drains on cancel.
	cancelWorkers()
	if err := <-workersDone; err != nil {
		return err
	}

	slog.Info("api-manager stopped")
	return nil
}

// admitSeeds registers credentials supplied via config or environment.
// A rejected seed is logged, not fatal: the server can still serve keys
// admitted over the API.
func admitSeeds(ctx context.Context, cfg *config.Config, admitter *app.Admitter) error {
	if len(cfg.Seeds) == 0 {
		return nil
	}
	reqs := make([]app.AdmitRequest, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		model := s.Model
		if model == "" {
			model = gateway.DefaultModel
		}
		reqs = append(reqs, app.AdmitRequest{
			Type:      s.Type,
			APIKey:    s.APIKey,
			BaseURL:   s.BaseURL,
			ModelName: model,
		})
	}
	out, err := admitter.Admit(ctx, reqs)
	if err != nil {
		return err
	}
	for _, f := range out.Failed {
		slog.Warn("seed provider rejected", "name", f.Name, "error", f.Error)
	}
	slog.Info("seed providers admitted", "admitted", len(out.Success), "rejected", len(out.Failed))
	return nil
}

// setupLogging installs the default logger: JSON in production, text
// elsewhere, at the configured level.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.App.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.App.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
