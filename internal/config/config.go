// Package config loads and saves skillmeter's config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/skillmeter/internal/budget"
	otelpkg "github.com/basket/skillmeter/internal/otel"
)

const (
	defaultPoolSize       = 20
	defaultBusyTimeoutMS  = 30_000
	defaultReservationTTL = 300 // seconds
	defaultWarnAtPercent  = 0.8
)

// Config is the process-wide configuration, read once at startup from
// <home>/config.yaml. Missing fields take the defaults below; the budget
// config cache downstream is deliberately process-lifetime, so a changed
// file requires a restart.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// PoolSize caps connections per store, matched to the expected
	// concurrent-agent count.
	PoolSize      int `yaml:"pool_size"`
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`

	// LedgerDBPath and BudgetDBPath default to ledger.db and budget.db
	// under the home directory. Separate files so a locked ledger never
	// delays a budget decision.
	LedgerDBPath string `yaml:"ledger_db_path"`
	BudgetDBPath string `yaml:"budget_db_path"`

	// ArtifactsDir receives one denormalized JSON snapshot per run.
	// Empty string in the file disables the export; unset defaults to
	// <home>/artifacts/runs.
	ArtifactsDir *string `yaml:"artifacts_dir"`

	ReservationTTLSeconds int `yaml:"reservation_ttl_seconds"`

	// SweepCron optionally runs the reservation janitor on a schedule
	// (5-field cron expression). Empty disables the background sweeper;
	// budget checks still sweep lazily either way.
	SweepCron string `yaml:"sweep_cron"`

	// DefaultBudget applies to any tenant without explicit configuration.
	DefaultBudget budget.Config `yaml:"default_budget"`

	Otel otelpkg.Config `yaml:"otel"`
}

// DefaultHomeDir returns ~/.skillmeter, honoring SKILLMETER_HOME.
func DefaultHomeDir() string {
	if v := os.Getenv("SKILLMETER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".skillmeter")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applying defaults for
// anything unset. A missing file yields the pure-default configuration.
func Load() (Config, error) {
	return LoadFrom(DefaultHomeDir())
}

// LoadFrom is Load with an explicit home directory, for tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	cfg.HomeDir = homeDir
	applyDefaults(&cfg)
	if err := cfg.DefaultBudget.Validate(); err != nil {
		return Config{}, fmt.Errorf("default_budget: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	if cfg.LedgerDBPath == "" {
		cfg.LedgerDBPath = filepath.Join(cfg.HomeDir, "ledger.db")
	}
	if cfg.BudgetDBPath == "" {
		cfg.BudgetDBPath = filepath.Join(cfg.HomeDir, "budget.db")
	}
	if cfg.ArtifactsDir == nil {
		dir := filepath.Join(cfg.HomeDir, "artifacts", "runs")
		cfg.ArtifactsDir = &dir
	}
	if cfg.ReservationTTLSeconds <= 0 {
		cfg.ReservationTTLSeconds = defaultReservationTTL
	}
	if cfg.DefaultBudget.WarnAtPercent <= 0 {
		cfg.DefaultBudget.WarnAtPercent = defaultWarnAtPercent
	}
}

// BusyTimeout returns the busy timeout as a duration.
func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMS) * time.Millisecond
}

// ReservationTTL returns the default reservation TTL as a duration.
func (c Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLSeconds) * time.Second
}

// Artifacts returns the snapshot directory, empty when disabled.
func (c Config) Artifacts() string {
	if c.ArtifactsDir == nil {
		return ""
	}
	return *c.ArtifactsDir
}

// Save writes the configuration back to <home>/config.yaml.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
