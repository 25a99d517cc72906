package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/skillmeter/internal/config"
)

func TestLoadFrom_MissingFileYieldsDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HomeDir != home {
		t.Fatalf("home dir: %q", cfg.HomeDir)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level: %q", cfg.LogLevel)
	}
	if cfg.PoolSize != 20 {
		t.Fatalf("pool size: %d", cfg.PoolSize)
	}
	if cfg.BusyTimeout() != 30*time.Second {
		t.Fatalf("busy timeout: %v", cfg.BusyTimeout())
	}
	if cfg.ReservationTTL() != 5*time.Minute {
		t.Fatalf("reservation ttl: %v", cfg.ReservationTTL())
	}
	if cfg.LedgerDBPath != filepath.Join(home, "ledger.db") {
		t.Fatalf("ledger path: %q", cfg.LedgerDBPath)
	}
	if cfg.BudgetDBPath != filepath.Join(home, "budget.db") {
		t.Fatalf("budget path: %q", cfg.BudgetDBPath)
	}
	if cfg.Artifacts() != filepath.Join(home, "artifacts", "runs") {
		t.Fatalf("artifacts dir: %q", cfg.Artifacts())
	}
	if cfg.DefaultBudget.WarnAtPercent != 0.8 {
		t.Fatalf("warn at: %v", cfg.DefaultBudget.WarnAtPercent)
	}
}

func TestLoadFrom_FileOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	content := `log_level: debug
pool_size: 4
busy_timeout_ms: 5000
reservation_ttl_seconds: 60
sweep_cron: "*/10 * * * *"
artifacts_dir: ""
default_budget:
  daily_limit_usd: 20
  warn_at_percent: 0.5
  block_on_exceed: true
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.PoolSize != 4 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.BusyTimeout() != 5*time.Second {
		t.Fatalf("busy timeout: %v", cfg.BusyTimeout())
	}
	if cfg.SweepCron != "*/10 * * * *" {
		t.Fatalf("sweep cron: %q", cfg.SweepCron)
	}
	// Explicit empty string disables the snapshot export.
	if cfg.Artifacts() != "" {
		t.Fatalf("expected snapshots disabled, got %q", cfg.Artifacts())
	}
	if cfg.DefaultBudget.DailyLimitUSD != 20 || !cfg.DefaultBudget.BlockOnExceed {
		t.Fatalf("default budget: %+v", cfg.DefaultBudget)
	}
}

func TestLoadFrom_RejectsInvalidDefaultBudget(t *testing.T) {
	home := t.TempDir()
	content := `default_budget:
  warn_at_percent: 2.0
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSaveAndReload(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.LogLevel = "warn"
	cfg.DefaultBudget.MonthlyLimitUSD = 300
	if err := config.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.LogLevel != "warn" || got.DefaultBudget.MonthlyLimitUSD != 300 {
		t.Fatalf("roundtrip: %+v", got)
	}
}

func TestDefaultHomeDir_HonorsEnv(t *testing.T) {
	t.Setenv("SKILLMETER_HOME", "/tmp/skillmeter-test-home")
	if got := config.DefaultHomeDir(); got != "/tmp/skillmeter-test-home" {
		t.Fatalf("env override not honored: %q", got)
	}
}
