package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/thermoprobe/internal/config"
)

// exitError asks main to exit with a specific status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// rebootFunc restarts the host. Tests replace it.
var rebootFunc = reboot

// restart carries out the configured restart action after a connectivity
// failure. In exit mode it returns an *exitError with the configured
// status so the supervisor restarts the process. In reboot mode it
// reboots the host and only returns if that fails, falling back to exit.
func restart(ctx context.Context, cfg config.RestartConfig, logger *slog.Logger, cause error) error {
	logger.Error("restarting", "mode", cfg.Mode, "delay", cfg.Delay().String(), "error", cause)

	// The delay lets the last log lines reach their destination. It is
	// not cut short by ctx; a signal during it still restarts.
	if d := cfg.Delay(); d > 0 {
		time.Sleep(d)
	}

	if cfg.Mode == config.RestartReboot {
		err := rebootFunc(ctx)
		if err == nil {
			return nil
		}
		logger.Error("reboot failed, exiting instead", "error", err)
	}
	return &exitError{code: cfg.ExitCode, err: fmt.Errorf("restart: %w", cause)}
}
