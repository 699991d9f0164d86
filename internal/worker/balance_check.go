package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Dolores18/api-manager/internal/balance"
	"github.com/Dolores18/api-manager/internal/pool"
	"github.com/Dolores18/api-manager/internal/telemetry"
)

// BalanceCheckWorker periodically reconciles provider balances against the
// upstream user-info endpoints, evicting exhausted and invalid keys and
// rebuilding the pool from the surviving rows.
type BalanceCheckWorker struct {
	checker  *balance.Checker
	pool     *pool.Pool
	metrics  *telemetry.Metrics
	interval time.Duration
}

// NewBalanceCheckWorker creates a BalanceCheckWorker. interval <= 0 defaults
// to five minutes.
func NewBalanceCheckWorker(checker *balance.Checker, p *pool.Pool, metrics *telemetry.Metrics, interval time.Duration) *BalanceCheckWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &BalanceCheckWorker{checker: checker, pool: p, metrics: metrics, interval: interval}
}

// Name returns the worker identifier.
func (w *BalanceCheckWorker) Name() string { return "balance_check" }

// Run performs an initial reconciliation, then repeats every interval until
// ctx is cancelled.
func (w *BalanceCheckWorker) Run(ctx context.Context) error {
	w.cycle(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.cycle(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *BalanceCheckWorker) cycle(ctx context.Context) {
	survivors, stats, err := w.checker.RunCycle(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "balance reconcile failed",
			slog.String("error", err.Error()),
		)
		return
	}

	w.pool.Rebuild(survivors)
	w.metrics.PoolProviders.Set(float64(len(survivors)))
	w.metrics.BalanceEvictions.WithLabelValues("zero_balance").Add(float64(stats.Evicted.ZeroBalance))
	w.metrics.BalanceEvictions.WithLabelValues("invalid").Add(float64(stats.Evicted.Invalid))

	slog.LogAttrs(ctx, slog.LevelInfo, "balance reconcile finished",
		slog.Int("total", stats.Total),
		slog.Int("checked", stats.Checked),
		slog.Int("failed", stats.Failed),
		slog.Int("skipped", stats.Skipped),
		slog.Int64("evicted_zero", stats.Evicted.ZeroBalance),
		slog.Int64("evicted_invalid", stats.Evicted.Invalid),
		slog.Int("pool_size", len(survivors)),
	)
}
