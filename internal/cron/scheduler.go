// Package cron fires a periodic plugin reload on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Expr   string
	Reload func(ctx context.Context) error
	Logger *slog.Logger
}

// Scheduler calls Reload each time the schedule comes due.
type Scheduler struct {
	expr     string
	schedule cronlib.Schedule
	reload   func(ctx context.Context) error
	logger   *slog.Logger

	mu     sync.Mutex
	fired  int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the expression up front so a typo fails at startup.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Reload == nil {
		return nil, fmt.Errorf("cron: reload func is required")
	}
	sched, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", cfg.Expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expr:     cfg.Expr,
		schedule: sched,
		reload:   cfg.Reload,
		logger:   logger.With("component", "cron"),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "expr", s.expr, "next_run_at", s.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Fired reports how many reloads the scheduler has triggered.
func (s *Scheduler) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	s.fired++
	s.mu.Unlock()
	if err := s.reload(ctx); err != nil {
		s.logger.Error("cron: scheduled reload failed", "error", err)
		return
	}
	s.logger.Info("cron: scheduled reload completed", "next_run_at", s.schedule.Next(time.Now()))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
