// Package accounting is the process-scoped entry point every skill run
// passes through: durable run recording on one side, budget check-reserve-
// release on the other. Construct one Accounting at process start, share it,
// and Close it at process exit; there is no hidden re-initialization.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/skillmeter/internal/budget"
	"github.com/basket/skillmeter/internal/config"
	"github.com/basket/skillmeter/internal/ledger"
	otelpkg "github.com/basket/skillmeter/internal/otel"
	"github.com/basket/skillmeter/internal/store"
)

// Accounting owns the two stores and exposes the accounting surface to
// skill runners and reporting tools.
type Accounting struct {
	cfg    config.Config
	logger *slog.Logger

	ledgerStore *store.Store
	budgetStore *store.Store

	ledger     *ledger.Ledger
	accountant *budget.Accountant
	sweeper    *budget.Sweeper
	metrics    *otelpkg.Metrics
}

// New opens both stores, wires the ledger and the accountant, and starts
// the optional background sweeper when a schedule is configured. Store open
// failures are fatal and surface immediately.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, provider *otelpkg.Provider) (*Accounting, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := store.Options{PoolSize: cfg.PoolSize, BusyTimeout: cfg.BusyTimeout()}
	ledgerStore, err := store.Open(cfg.LedgerDBPath, ledger.Schema(), opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	budgetStore, err := store.Open(cfg.BudgetDBPath, budget.Schema(), opts)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, fmt.Errorf("open budget store: %w", err)
	}

	led := ledger.New(ledgerStore, logger, cfg.Artifacts())
	acct := budget.New(budgetStore, led, cfg.DefaultBudget, logger)
	logger.Info("accounting stores opened",
		"ledger", cfg.LedgerDBPath, "budget", cfg.BudgetDBPath, "pool_size", cfg.PoolSize)

	a := &Accounting{
		cfg:         cfg,
		logger:      logger,
		ledgerStore: ledgerStore,
		budgetStore: budgetStore,
		ledger:      led,
		accountant:  acct,
	}

	if provider != nil {
		m, err := otelpkg.NewMetrics(provider.Meter)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		a.metrics = m
	}

	if cfg.SweepCron != "" {
		sweeper, err := budget.NewSweeper(budget.SweeperConfig{
			Accountant: acct,
			Logger:     logger,
			Schedule:   cfg.SweepCron,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.sweeper = sweeper
		sweeper.Start(ctx)
	}

	return a, nil
}

// RecordRun durably records a completed run with its steps and tool calls.
// Recoverable store errors are retried here, once, with backoff; a failure
// after that means the run is unrecorded and the caller should log locally.
func (a *Accounting) RecordRun(ctx context.Context, run ledger.RunRecord, steps []ledger.StepRecord, toolCalls []ledger.ToolCallRecord) error {
	err := withRetry(ctx, func() error {
		return a.ledger.Record(ctx, run, steps, toolCalls)
	})
	if err != nil {
		return err
	}
	if a.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("tenant", run.TenantID),
			attribute.String("status", string(run.Status)),
		)
		a.metrics.RunsRecorded.Add(ctx, 1, attrs)
		a.metrics.RunCost.Record(ctx, run.CostUSD, attrs)
		a.metrics.RunDuration.Record(ctx, float64(run.DurationMS)/1000, attrs)
		a.metrics.TokensRecorded.Add(ctx, run.InputTokens+run.OutputTokens, attrs)
	}
	return nil
}

// CheckAndReserve asks the accountant for a hold on the estimated cost
// before expensive work begins. A zero ttl takes the configured default.
func (a *Accounting) CheckAndReserve(ctx context.Context, tenant string, estimatedCost float64, ttl time.Duration) (budget.Decision, error) {
	if ttl <= 0 {
		ttl = a.cfg.ReservationTTL()
	}
	var dec budget.Decision
	err := withRetry(ctx, func() error {
		var err error
		dec, err = a.accountant.CheckAndReserve(ctx, tenant, estimatedCost, ttl)
		return err
	})
	if err != nil {
		return budget.Decision{}, err
	}
	if a.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("tenant", tenant))
		if dec.Allowed {
			a.metrics.ReservationsMade.Add(ctx, 1, attrs)
		} else {
			a.metrics.ReservationsDenied.Add(ctx, 1, attrs)
		}
	}
	return dec, nil
}

// ReleaseReservation releases a hold after work completes, success or
// failure. Unknown or already-settled ids are no-ops.
func (a *Accounting) ReleaseReservation(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		return a.accountant.ReleaseReservation(ctx, id)
	})
}

// CheckBudget reports a tenant's projected position without reserving.
func (a *Accounting) CheckBudget(ctx context.Context, tenant string, estimatedCost float64) (budget.Status, error) {
	return a.accountant.CheckBudget(ctx, tenant, estimatedCost)
}

// TenantCostWindow reports committed spend for cost-reporting surfaces.
func (a *Accounting) TenantCostWindow(ctx context.Context, tenant string, windowDays int) (ledger.CostWindow, error) {
	return a.ledger.TenantCostWindow(ctx, tenant, windowDays)
}

// QueryRuns returns runs matching the filter, newest first.
func (a *Accounting) QueryRuns(ctx context.Context, f ledger.Filter) ([]ledger.RunRecord, error) {
	return a.ledger.Query(ctx, f)
}

// AggregateStats summarizes the ledger over a trailing window.
func (a *Accounting) AggregateStats(ctx context.Context, windowDays int) (ledger.Stats, error) {
	return a.ledger.AggregateStats(ctx, windowDays)
}

// RecentFailures returns failed runs from the trailing hours.
func (a *Accounting) RecentFailures(ctx context.Context, hours int) ([]ledger.RunRecord, error) {
	return a.ledger.RecentFailures(ctx, hours)
}

// GetBudget returns a tenant's effective budget configuration.
func (a *Accounting) GetBudget(ctx context.Context, tenant string) (budget.Config, error) {
	return a.accountant.GetConfig(ctx, tenant)
}

// SetBudget replaces a tenant's budget configuration.
func (a *Accounting) SetBudget(ctx context.Context, cfg budget.Config) error {
	return a.accountant.SetConfig(ctx, cfg)
}

// Sweep runs one janitor pass and returns how many reservations expired.
func (a *Accounting) Sweep(ctx context.Context) (int64, error) {
	swept, err := a.accountant.SweepExpired(ctx)
	if err == nil && a.metrics != nil && swept > 0 {
		a.metrics.ReservationsSwept.Add(ctx, swept)
	}
	return swept, err
}

// Ledger exposes the underlying ledger for reporting tools.
func (a *Accounting) Ledger() *ledger.Ledger {
	return a.ledger
}

// Close stops the sweeper and closes both stores.
func (a *Accounting) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	var firstErr error
	if err := a.ledgerStore.Close(); err != nil {
		firstErr = err
	}
	if err := a.budgetStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
