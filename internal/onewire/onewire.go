// Package onewire reads Dallas temperature sensors attached to a shared
// one-wire bus.
//
// A [Bus] is the driver: it enumerates sensors once, converts all of
// them in parallel with a single command, and then reports each
// sensor's Celsius and Fahrenheit values by enumeration index. The
// [Reader] drives one acquisition cycle over a Bus and classifies
// implausible values without filtering them.
package onewire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// Values a driver reports for a sensor that could not be read. They
// match the DallasTemperature DEVICE_DISCONNECTED constants so readers
// of published data see the same sentinels the firmware produced.
const (
	DisconnectedC = -127.0
	DisconnectedF = -196.6
)

// Range of a DS18B20 conversion in Celsius.
const (
	MinValidC = -55.0
	MaxValidC = 125.0
)

// MaxDevices caps enumeration. Sensors beyond it are ignored.
const MaxDevices = 64

// ErrSensorFault marks a reading whose values the driver reported as a
// fault sentinel, or which cannot be a real measurement.
var ErrSensorFault = errors.New("sensor fault")

// Bus is a one-wire temperature bus driver.
type Bus interface {
	// Begin enumerates the sensors on the bus. It is called once; the
	// count it establishes is fixed for the life of the Bus.
	Begin(ctx context.Context) error
	// Count returns the number of sensors found by Begin.
	Count() int
	// RequestTemperatures starts a conversion on every sensor and blocks
	// until the conversion is complete.
	RequestTemperatures(ctx context.Context) error
	// TempC returns the last converted value of sensor index in Celsius,
	// or DisconnectedC if it could not be read.
	TempC(index int) float64
	// TempF returns the last converted value of sensor index in
	// Fahrenheit, or DisconnectedF if it could not be read.
	TempF(index int) float64
	// Close releases the bus.
	Close() error
}

// Reading is one sensor's values from one acquisition cycle.
type Reading struct {
	Index      uint
	Celsius    float64
	Fahrenheit float64
}

// Fault returns an error wrapping [ErrSensorFault] when the reading is a
// driver sentinel, non-finite, or outside the sensor's range.
func (r Reading) Fault() error {
	c, f := r.Celsius, r.Fahrenheit
	switch {
	case c == DisconnectedC || f == DisconnectedF:
		return fmt.Errorf("sensor %d: %w: disconnected", r.Index, ErrSensorFault)
	case math.IsNaN(c) || math.IsInf(c, 0) || math.IsNaN(f) || math.IsInf(f, 0):
		return fmt.Errorf("sensor %d: %w: non-finite value", r.Index, ErrSensorFault)
	case c < MinValidC || c > MaxValidC:
		return fmt.Errorf("sensor %d: %w: %.4f C out of range", r.Index, ErrSensorFault, c)
	}
	return nil
}

// Reader performs acquisition cycles over a Bus it owns.
type Reader struct {
	bus    Bus
	logger *slog.Logger
}

// NewReader creates a Reader. The bus must already have been started
// with [Bus.Begin].
func NewReader(bus Bus, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{bus: bus, logger: logger}
}

// Count returns the number of sensors each cycle will report.
func (r *Reader) Count() int {
	return r.bus.Count()
}

// ReadAll converts every sensor and returns one reading per enumerated
// index in ascending order. A failed conversion command is logged and
// the per-sensor reads still happen, so failures surface as sentinel
// values rather than as an error.
func (r *Reader) ReadAll(ctx context.Context) []Reading {
	if err := r.bus.RequestTemperatures(ctx); err != nil {
		r.logger.Warn("temperature conversion failed", "error", err)
	}

	n := r.bus.Count()
	readings := make([]Reading, 0, n)
	for i := 0; i < n; i++ {
		readings = append(readings, Reading{
			Index:      uint(i),
			Celsius:    r.bus.TempC(i),
			Fahrenheit: r.bus.TempF(i),
		})
	}
	return readings
}

// IsFamily reports whether a one-wire family code belongs to a Dallas
// temperature sensor (DS18S20, DS1822, DS18B20, DS1825, DS28EA00).
func IsFamily(code byte) bool {
	switch code {
	case 0x10, 0x22, 0x28, 0x3b, 0x42:
		return true
	}
	return false
}
