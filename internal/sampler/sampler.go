// Package sampler runs the acquire-and-publish cycle: read every sensor,
// encode one record per reading, and publish each record to the fixed
// topic. [Loop] repeats the cycle on a fixed period from inside a single
// control loop that also pumps the broker session, so a cycle never
// overlaps another cycle or a pump call.
package sampler

import (
	"context"
	"log/slog"

	"github.com/nugget/thermoprobe/internal/onewire"
	"github.com/nugget/thermoprobe/internal/payload"
)

// Reader produces one reading per enumerated sensor.
// [*onewire.Reader] implements it.
type Reader interface {
	ReadAll(ctx context.Context) []onewire.Reading
}

// Publisher sends one payload. A false result with a nil error is a
// dropped message; a non-nil error aborts the cycle. [*mqtt.Manager]
// implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (bool, error)
}

// CycleConfig configures a [Cycle].
type CycleConfig struct {
	Reader    Reader
	Publisher Publisher
	DeviceID  string
	Topic     string

	// DropFaulted skips readings classified as sensor faults instead of
	// publishing them.
	DropFaulted bool

	Logger *slog.Logger
}

// Cycle is one acquire-and-publish pass.
type Cycle struct {
	cfg    CycleConfig
	logger *slog.Logger
}

// NewCycle creates a Cycle.
//
// Panics if Reader or Publisher is nil.
func NewCycle(cfg CycleConfig) *Cycle {
	if cfg.Reader == nil {
		panic("sampler: CycleConfig.Reader must not be nil")
	}
	if cfg.Publisher == nil {
		panic("sampler: CycleConfig.Publisher must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cycle{cfg: cfg, logger: cfg.Logger}
}

// Run reads all sensors and publishes each reading in index order. A
// publish that reports false is logged and the cycle moves on; a
// publish error (a required restart) aborts the cycle and is returned.
func (c *Cycle) Run(ctx context.Context) error {
	readings := c.cfg.Reader.ReadAll(ctx)

	var sent, dropped, faulted int
	for _, r := range readings {
		if err := r.Fault(); err != nil {
			faulted++
			c.logger.Warn("sensor fault",
				"sensor_id", r.Index,
				"celsius", r.Celsius,
				"fahrenheit", r.Fahrenheit,
				"error", err,
			)
			if c.cfg.DropFaulted {
				continue
			}
		}

		data, err := payload.Encode(c.cfg.DeviceID, r.Index, r.Celsius, r.Fahrenheit)
		if err != nil {
			c.logger.Error("encode reading", "sensor_id", r.Index, "error", err)
			dropped++
			continue
		}
		c.logger.Info("reading", "sensor_id", r.Index, "payload", string(data))

		ok, err := c.cfg.Publisher.Publish(ctx, c.cfg.Topic, data)
		if err != nil {
			return err
		}
		if !ok {
			dropped++
			c.logger.Warn("reading dropped", "sensor_id", r.Index, "topic", c.cfg.Topic)
			continue
		}
		sent++
	}

	c.logger.Debug("cycle complete",
		"sensors", len(readings),
		"sent", sent,
		"dropped", dropped,
		"faulted", faulted,
	)
	return nil
}
