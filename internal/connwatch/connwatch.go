// Package connwatch waits for an external dependency to become
// reachable, polling a probe at a fixed interval until it succeeds or a
// deadline passes.
//
// There is no backoff and no background retry. A caller that gets
// [ErrTimeout] gives up. The network link check run before a broker
// session is the main consumer.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/thermoprobe/internal/config"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if up.
type ProbeFunc func(ctx context.Context) error

// ErrTimeout is returned by [Await] when the probe never succeeded
// within the configured timeout.
var ErrTimeout = errors.New("connwatch: timed out")

// Clock abstracts time so the polling loop can be tested without
// sleeping.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done. It returns false if ctx
	// ended the wait.
	Sleep(ctx context.Context, d time.Duration) bool
}

// SystemClock is the real-time [Clock].
type SystemClock struct{}

// Now returns time.Now, which carries a monotonic reading.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep sleeps for d or until ctx is cancelled.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) bool {
	return sleepCtx(ctx, d)
}

// Config configures a single [Await] call.
type Config struct {
	// Name identifies the dependency in logs (e.g., "link").
	Name string

	// Probe checks reachability. Required.
	Probe ProbeFunc

	// PollInterval is the delay between failed probes (default: 100ms).
	PollInterval time.Duration

	// Timeout bounds the whole wait (default: 30s). The probe is
	// retried while the elapsed time is at most Timeout, so Await gives
	// up no earlier than Timeout and no later than Timeout plus one
	// PollInterval (plus the duration of the last probe).
	Timeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Clock defaults to [SystemClock].
	Clock Clock
}

// Defaults applied to zero-value Config fields.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
)

// Await polls cfg.Probe until it returns nil or cfg.Timeout elapses.
// It returns nil once the probe succeeds, an error wrapping
// [ErrTimeout] (and the last probe error) on timeout, or ctx.Err() if
// ctx is cancelled first.
//
// Panics if Probe is nil; that is a programming error.
func Await(ctx context.Context, cfg Config) error {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "dependency"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}

	start := cfg.Clock.Now()
	for attempt := 1; ; attempt++ {
		err := cfg.Probe(ctx)
		elapsed := cfg.Clock.Now().Sub(start)
		if err == nil {
			cfg.Logger.Debug("dependency reachable",
				"name", cfg.Name,
				"attempts", attempt,
				"elapsed", elapsed.String(),
			)
			return nil
		}
		if elapsed > cfg.Timeout {
			return fmt.Errorf("%w waiting for %s after %s (%d attempts): %w",
				ErrTimeout, cfg.Name, elapsed.Round(time.Millisecond), attempt, err)
		}
		cfg.Logger.Log(ctx, config.LevelTrace, "dependency not ready",
			"name", cfg.Name,
			"attempt", attempt,
			"error", err,
		)
		if !cfg.Clock.Sleep(ctx, cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
