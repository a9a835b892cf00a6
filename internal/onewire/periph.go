package onewire

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/onewire/onewirereg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ds18b20"
	"periph.io/x/host/v3"
)

// Periph is a [Bus] that drives the one-wire protocol in user space
// through periph.io, for hosts without the w1 kernel drivers or with a
// DS248x bridge.
type Periph struct {
	name       string
	resolution int
	logger     *slog.Logger

	bus     onewire.BusCloser
	addrs   []onewire.Address
	devices []*ds18b20.Dev
	temps   []physic.Temperature
	ok      []bool
}

// NewPeriph creates a periph.io bus. name selects the bus as understood
// by onewirereg.Open; empty means the first registered bus. resolution is
// the conversion resolution in bits (9 through 12).
func NewPeriph(name string, resolution int, logger *slog.Logger) *Periph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Periph{name: name, resolution: resolution, logger: logger}
}

// Begin initializes the host drivers, opens the bus and enumerates the
// temperature sensors on it.
func (p *Periph) Begin(ctx context.Context) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	bus, err := onewirereg.Open(p.name)
	if err != nil {
		return fmt.Errorf("open one-wire bus %q: %w", p.name, err)
	}

	found, err := bus.Search(false)
	if err != nil && len(found) == 0 {
		bus.Close()
		return fmt.Errorf("search one-wire bus: %w", err)
	}
	if err != nil {
		p.logger.Warn("one-wire search incomplete", "found", len(found), "error", err)
	}

	addrs := filterFamilies(found)
	if len(addrs) > MaxDevices {
		p.logger.Warn("too many sensors on bus, ignoring the rest",
			"found", len(addrs), "max", MaxDevices)
		addrs = addrs[:MaxDevices]
	}

	devices := make([]*ds18b20.Dev, len(addrs))
	for i, a := range addrs {
		dev, err := ds18b20.New(bus, a, p.resolution)
		if err != nil {
			// Keep the index so later sensors do not shift; reads of a
			// nil device report the disconnected sentinel.
			p.logger.Warn("sensor setup failed", "sensor_id", i, "address", fmt.Sprintf("%#016x", uint64(a)), "error", err)
			continue
		}
		devices[i] = dev
	}

	p.bus = bus
	p.addrs = addrs
	p.devices = devices
	p.temps = make([]physic.Temperature, len(addrs))
	p.ok = make([]bool, len(addrs))
	p.logger.Debug("one-wire bus scanned", "bus", bus.String(), "sensors", len(addrs))
	return nil
}

// filterFamilies keeps temperature sensor addresses, ordered by address.
func filterFamilies(found []onewire.Address) []onewire.Address {
	var out []onewire.Address
	for _, a := range found {
		if IsFamily(byte(a & 0xff)) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of sensors found by Begin.
func (p *Periph) Count() int {
	return len(p.addrs)
}

// Names returns the sensors in enumeration order, formatted the way the
// w1 kernel driver names its slave directories ("28-0000072a3b11").
func (p *Periph) Names() []string {
	names := make([]string, len(p.addrs))
	for i, a := range p.addrs {
		names[i] = fmt.Sprintf("%02x-%012x", uint64(a)&0xff, (uint64(a)>>8)&0xffffffffffff)
	}
	return names
}

// RequestTemperatures converts every sensor with one broadcast command
// and then reads back each scratchpad.
func (p *Periph) RequestTemperatures(ctx context.Context) error {
	if p.bus == nil {
		return fmt.Errorf("one-wire bus not started")
	}
	convErr := ds18b20.ConvertAll(p.bus, p.resolution)
	if convErr != nil {
		convErr = fmt.Errorf("convert all: %w", convErr)
	}

	for i, dev := range p.devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.ok[i] = false
		if dev == nil {
			continue
		}
		t, err := dev.LastTemp()
		if err != nil {
			p.logger.Debug("scratchpad read failed", "sensor_id", i, "error", err)
			continue
		}
		p.temps[i] = t
		p.ok[i] = true
	}
	return convErr
}

// TempC returns the value of sensor index from the last conversion.
func (p *Periph) TempC(index int) float64 {
	if index < 0 || index >= len(p.ok) || !p.ok[index] {
		return DisconnectedC
	}
	return p.temps[index].Celsius()
}

// TempF returns the value of sensor index from the last conversion.
func (p *Periph) TempF(index int) float64 {
	if index < 0 || index >= len(p.ok) || !p.ok[index] {
		return DisconnectedF
	}
	return p.temps[index].Fahrenheit()
}

// Close releases the bus.
func (p *Periph) Close() error {
	if p.bus == nil {
		return nil
	}
	err := p.bus.Close()
	p.bus = nil
	return err
}
