// Package budget tracks per-tenant spend against daily, monthly, and per-run
// ceilings, counting both ledger-committed cost and in-flight reservations
// from concurrently executing runs.
//
// Exclusivity is enforced by the store's own locking, not application
// mutexes: the exceed check and the reservation insert share one immediate
// transaction, so two callers racing for the same tenant are serialized even
// when they live in separate processes.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/skillmeter/internal/ledger"
	"github.com/basket/skillmeter/internal/store"
)

const (
	dailyWindowDays   = 1
	monthlyWindowDays = 30

	// DefaultReservationTTL bounds the worst-case over-count from a crashed
	// caller: a reservation never released counts toward spend for at most
	// this long.
	DefaultReservationTTL = 5 * time.Minute
)

// State classifies a budget check outcome. Exceeding a ceiling is an
// expected business outcome, returned as data, never as an error.
type State string

const (
	StateOK       State = "ok"
	StateWarning  State = "warning"
	StateExceeded State = "exceeded"
)

// Config is one tenant's budget ceilings. A zero limit means that ceiling is
// not enforced. Updates replace the whole record.
type Config struct {
	TenantID        string  `json:"tenant_id" yaml:"tenant_id"`
	DailyLimitUSD   float64 `json:"daily_limit_usd" yaml:"daily_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd" yaml:"monthly_limit_usd"`
	PerRunLimitUSD  float64 `json:"per_run_limit_usd" yaml:"per_run_limit_usd"`
	WarnAtPercent   float64 `json:"warn_at_percent" yaml:"warn_at_percent"`
	BlockOnExceed   bool    `json:"block_on_exceed" yaml:"block_on_exceed"`
}

// Validate rejects negative limits and out-of-range warn fractions.
func (c Config) Validate() error {
	if c.DailyLimitUSD < 0 || c.MonthlyLimitUSD < 0 || c.PerRunLimitUSD < 0 {
		return fmt.Errorf("budget: limits must be non-negative")
	}
	if c.WarnAtPercent < 0 || c.WarnAtPercent > 1 {
		return fmt.Errorf("budget: warn_at_percent must be within [0, 1]")
	}
	return nil
}

// Status is the result of a budget check.
type Status struct {
	TenantID            string  `json:"tenant_id"`
	DailySpentUSD       float64 `json:"daily_spent_usd"`
	DailyLimitUSD       float64 `json:"daily_limit_usd"`
	DailyRemainingUSD   float64 `json:"daily_remaining_usd"`
	DailyPercent        float64 `json:"daily_percent"`
	MonthlySpentUSD     float64 `json:"monthly_spent_usd"`
	MonthlyLimitUSD     float64 `json:"monthly_limit_usd"`
	MonthlyRemainingUSD float64 `json:"monthly_remaining_usd"`
	MonthlyPercent      float64 `json:"monthly_percent"`
	ReservedUSD         float64 `json:"reserved_usd"`
	State               State   `json:"state"`
	Message             string  `json:"message"`
}

// Decision is the outcome of CheckAndReserve. When Allowed is true and
// ReservationID is set, the caller owns the reservation and must release it
// on completion; a crashed caller's hold expires on its own.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Message       string `json:"message"`
	ReservationID string `json:"reservation_id,omitempty"`
	Status        Status `json:"status"`
}

// SpendSource supplies committed spend figures. Satisfied by *ledger.Ledger.
type SpendSource interface {
	TenantCostWindow(ctx context.Context, tenant string, windowDays int) (ledger.CostWindow, error)
}

// Schema returns the accountant's table set.
func Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS budget_configs (
			tenant_id TEXT PRIMARY KEY,
			daily_limit_usd REAL NOT NULL DEFAULT 0 CHECK(daily_limit_usd >= 0),
			monthly_limit_usd REAL NOT NULL DEFAULT 0 CHECK(monthly_limit_usd >= 0),
			per_run_limit_usd REAL NOT NULL DEFAULT 0 CHECK(per_run_limit_usd >= 0),
			warn_at_percent REAL NOT NULL DEFAULT 0.8,
			block_on_exceed INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS budget_reservations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			amount_usd REAL NOT NULL CHECK(amount_usd >= 0),
			status TEXT NOT NULL CHECK(status IN ('active', 'released', 'expired')),
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_tenant ON budget_reservations(tenant_id, status, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON budget_reservations(status, expires_at);`,
	}
}

// Accountant is the per-tenant budget gatekeeper over one store.
type Accountant struct {
	store  *store.Store
	spend  SpendSource
	logger *slog.Logger

	defaults Config

	mu    sync.RWMutex
	cache map[string]Config
}

// New creates an Accountant. defaults applies to any tenant without a stored
// configuration.
func New(st *store.Store, spend SpendSource, defaults Config, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.WarnAtPercent <= 0 {
		defaults.WarnAtPercent = 0.8
	}
	return &Accountant{
		store:    st,
		spend:    spend,
		logger:   logger,
		defaults: defaults,
		cache:    make(map[string]Config),
	}
}

// GetConfig returns the tenant's budget configuration: memory cache, then
// store, then the process default. The first successful store lookup is
// cached for the process lifetime; only SetConfig invalidates it.
func (a *Accountant) GetConfig(ctx context.Context, tenant string) (Config, error) {
	a.mu.RLock()
	cfg, ok := a.cache[tenant]
	a.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg = a.defaults
	cfg.TenantID = tenant
	err := a.store.WithConn(ctx, func(conn *sql.Conn) error {
		var block int
		err := conn.QueryRowContext(ctx, `
			SELECT daily_limit_usd, monthly_limit_usd, per_run_limit_usd, warn_at_percent, block_on_exceed
			FROM budget_configs WHERE tenant_id = ?;
		`, tenant).Scan(&cfg.DailyLimitUSD, &cfg.MonthlyLimitUSD, &cfg.PerRunLimitUSD, &cfg.WarnAtPercent, &block)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load budget config: %w", err)
		}
		cfg.BlockOnExceed = block != 0
		return nil
	})
	if err != nil {
		return Config{}, err
	}

	a.mu.Lock()
	a.cache[tenant] = cfg
	a.mu.Unlock()
	return cfg, nil
}

// SetConfig upserts the whole record transactionally and updates the cache
// synchronously.
func (a *Accountant) SetConfig(ctx context.Context, cfg Config) error {
	if cfg.TenantID == "" {
		return fmt.Errorf("budget: tenant id is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO budget_configs (tenant_id, daily_limit_usd, monthly_limit_usd, per_run_limit_usd, warn_at_percent, block_on_exceed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(tenant_id) DO UPDATE SET
				daily_limit_usd = excluded.daily_limit_usd,
				monthly_limit_usd = excluded.monthly_limit_usd,
				per_run_limit_usd = excluded.per_run_limit_usd,
				warn_at_percent = excluded.warn_at_percent,
				block_on_exceed = excluded.block_on_exceed,
				updated_at = CURRENT_TIMESTAMP;
		`, cfg.TenantID, cfg.DailyLimitUSD, cfg.MonthlyLimitUSD, cfg.PerRunLimitUSD, cfg.WarnAtPercent, cfg.BlockOnExceed)
		if err != nil {
			return fmt.Errorf("upsert budget config: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.cache[cfg.TenantID] = cfg
	a.mu.Unlock()
	return nil
}

// CheckBudget sweeps expired reservations, then reports the tenant's
// projected position with estimatedCost added on top of committed spend and
// active reservations.
func (a *Accountant) CheckBudget(ctx context.Context, tenant string, estimatedCost float64) (Status, error) {
	cfg, err := a.GetConfig(ctx, tenant)
	if err != nil {
		return Status{}, err
	}
	daily, monthly, err := a.committedSpend(ctx, tenant)
	if err != nil {
		return Status{}, err
	}

	var reserved float64
	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := sweepExpiredTx(ctx, tx); err != nil {
			return err
		}
		reserved, err = activeReservationsTx(ctx, tx, tenant)
		return err
	})
	if err != nil {
		return Status{}, err
	}

	return buildStatus(cfg, daily, monthly, reserved, estimatedCost), nil
}

// CheckRunCost rejects a cost above the per-run ceiling outright, and
// otherwise delegates to CheckBudget. An exceeded budget only denies when
// the tenant has block-on-exceed set; warn-only tenants are allowed through.
func (a *Accountant) CheckRunCost(ctx context.Context, tenant string, estimatedCost float64) (bool, string, error) {
	cfg, err := a.GetConfig(ctx, tenant)
	if err != nil {
		return false, "", err
	}
	if cfg.PerRunLimitUSD > 0 && estimatedCost > cfg.PerRunLimitUSD {
		return false, fmt.Sprintf("estimated cost $%.2f exceeds per-run limit $%.2f", estimatedCost, cfg.PerRunLimitUSD), nil
	}
	status, err := a.CheckBudget(ctx, tenant, estimatedCost)
	if err != nil {
		return false, "", err
	}
	if status.State == StateExceeded && cfg.BlockOnExceed {
		return false, status.Message, nil
	}
	return true, status.Message, nil
}

func (a *Accountant) committedSpend(ctx context.Context, tenant string) (daily, monthly float64, err error) {
	dw, err := a.spend.TenantCostWindow(ctx, tenant, dailyWindowDays)
	if err != nil {
		return 0, 0, fmt.Errorf("daily committed spend: %w", err)
	}
	mw, err := a.spend.TenantCostWindow(ctx, tenant, monthlyWindowDays)
	if err != nil {
		return 0, 0, fmt.Errorf("monthly committed spend: %w", err)
	}
	return dw.CostUSD, mw.CostUSD, nil
}

func activeReservationsTx(ctx context.Context, tx *sql.Tx, tenant string) (float64, error) {
	var total float64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0.0)
		FROM budget_reservations
		WHERE tenant_id = ? AND status = 'active' AND expires_at > ?;
	`, tenant, time.Now().UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return total, nil
}

// buildStatus classifies the projected spend. Projected = committed +
// reserved + the cost under evaluation. Zero limits never block.
func buildStatus(cfg Config, daily, monthly, reserved, estimatedCost float64) Status {
	st := Status{
		TenantID:        cfg.TenantID,
		DailySpentUSD:   daily,
		DailyLimitUSD:   cfg.DailyLimitUSD,
		MonthlySpentUSD: monthly,
		MonthlyLimitUSD: cfg.MonthlyLimitUSD,
		ReservedUSD:     reserved,
		State:           StateOK,
	}
	projDaily := daily + reserved + estimatedCost
	projMonthly := monthly + reserved + estimatedCost

	if cfg.DailyLimitUSD > 0 {
		st.DailyRemainingUSD = cfg.DailyLimitUSD - projDaily
		st.DailyPercent = projDaily / cfg.DailyLimitUSD * 100
	}
	if cfg.MonthlyLimitUSD > 0 {
		st.MonthlyRemainingUSD = cfg.MonthlyLimitUSD - projMonthly
		st.MonthlyPercent = projMonthly / cfg.MonthlyLimitUSD * 100
	}

	warnAt := cfg.WarnAtPercent * 100
	switch {
	case (cfg.DailyLimitUSD > 0 && projDaily > cfg.DailyLimitUSD) ||
		(cfg.MonthlyLimitUSD > 0 && projMonthly > cfg.MonthlyLimitUSD):
		st.State = StateExceeded
	case (cfg.DailyLimitUSD > 0 && st.DailyPercent >= warnAt) ||
		(cfg.MonthlyLimitUSD > 0 && st.MonthlyPercent >= warnAt):
		st.State = StateWarning
	}

	st.Message = statusMessage(st, projDaily, projMonthly)
	return st
}

// statusMessage renders the projected figures, calling out how much of the
// projection is other runs' in-flight reservations so operators can tell
// "already over" from "about to be, pending other work finishing".
func statusMessage(st Status, projDaily, projMonthly float64) string {
	msg := ""
	switch st.State {
	case StateExceeded:
		msg = "budget exceeded: "
	case StateWarning:
		msg = "approaching budget: "
	}
	msg += fmt.Sprintf("projected daily $%.2f of $%s, monthly $%.2f of $%s",
		projDaily, limitText(st.DailyLimitUSD), projMonthly, limitText(st.MonthlyLimitUSD))
	if st.ReservedUSD > 0 {
		msg += fmt.Sprintf(" ($%.2f reserved by in-flight runs)", st.ReservedUSD)
	}
	return msg
}

func limitText(limit float64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.2f", limit)
}
