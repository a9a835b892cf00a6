package sampler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/thermoprobe/internal/connwatch"
)

// Runner is one unit of periodic work. [*Cycle] implements it.
type Runner interface {
	Run(ctx context.Context) error
}

// Pumper services the broker session once per loop iteration.
// [*mqtt.Manager] implements it.
type Pumper interface {
	Pump(ctx context.Context) error
}

// LoopConfig configures a [Loop].
type LoopConfig struct {
	Cycle Runner
	Pump  Pumper

	// Interval is the cycle period (default: 30s).
	Interval time.Duration

	// Tick is the sleep between loop iterations (default: 100ms).
	Tick time.Duration

	// Clock defaults to connwatch.SystemClock.
	Clock connwatch.Clock

	Logger *slog.Logger
}

// Loop is the single control loop. Each iteration pumps the session,
// then runs the cycle if its due time has passed. The due time is a
// monotonic deadline, not a timer callback.
type Loop struct {
	cfg    LoopConfig
	logger *slog.Logger
}

// NewLoop creates a Loop.
//
// Panics if Cycle or Pump is nil.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Cycle == nil {
		panic("sampler: LoopConfig.Cycle must not be nil")
	}
	if cfg.Pump == nil {
		panic("sampler: LoopConfig.Pump must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = connwatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{cfg: cfg, logger: cfg.Logger}
}

// Run executes one cycle immediately, then loops until ctx is done or
// the cycle or pump returns an error. It returns that error, or
// ctx.Err() on shutdown.
func (l *Loop) Run(ctx context.Context) error {
	clock := l.cfg.Clock

	if err := l.cfg.Cycle.Run(ctx); err != nil {
		return err
	}
	next := clock.Now().Add(l.cfg.Interval)

	for {
		if err := l.cfg.Pump.Pump(ctx); err != nil {
			return err
		}

		if now := clock.Now(); !now.Before(next) {
			if late := now.Sub(next); late >= l.cfg.Interval {
				l.logger.Warn("cycle due time missed", "late", late.String())
			}
			if err := l.cfg.Cycle.Run(ctx); err != nil {
				return err
			}
			next = nextDue(next, clock.Now(), l.cfg.Interval)
		}

		if !clock.Sleep(ctx, l.cfg.Tick) {
			return ctx.Err()
		}
	}
}

// nextDue advances due by whole intervals until it is after now, so
// periods missed while a cycle overran are skipped rather than run
// back to back.
func nextDue(due, now time.Time, interval time.Duration) time.Time {
	due = due.Add(interval)
	if due.After(now) {
		return due
	}
	missed := now.Sub(due)/interval + 1
	return due.Add(missed * interval)
}
