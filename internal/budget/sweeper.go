package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// sweepParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var sweepParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies for the background sweeper.
type SweeperConfig struct {
	Accountant *Accountant
	Logger     *slog.Logger
	// Schedule is a 5-field cron expression, e.g. "*/5 * * * *".
	Schedule string
}

// Sweeper expires stale reservations on a fixed schedule. It is optional:
// every budget check already sweeps lazily, so the background pass only
// tightens the active → expired latency for very idle tenants. Semantics
// are unchanged either way.
type Sweeper struct {
	accountant *Accountant
	logger     *slog.Logger
	schedule   cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from a cron expression.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	sched, err := sweepParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		accountant: cfg.Accountant,
		logger:     logger,
		schedule:   sched,
	}, nil
}

// Start begins the sweep loop in a background goroutine. It respects the
// provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("reservation sweeper started", "next", s.schedule.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("reservation sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.accountant.SweepExpired(ctx); err != nil {
				s.logger.Error("sweeper: pass failed", "error", err)
			}
		}
	}
}
