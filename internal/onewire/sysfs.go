package onewire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/thermoprobe/internal/config"
)

// DefaultSysfsRoot is where the Linux w1 subsystem exposes bus masters
// and slave devices.
const DefaultSysfsRoot = "/sys/bus/w1/devices/"

// bulkPollInterval is how often therm_bulk_read is checked while a
// conversion is in progress.
const bulkPollInterval = 10 * time.Millisecond

// Sysfs is a [Bus] backed by the Linux w1 and w1_therm kernel drivers.
type Sysfs struct {
	root              string
	conversionTimeout time.Duration
	logger            *slog.Logger

	masters []string // w1_bus_master* directories
	devices []string // slave directories, sorted by name

	// Results of the last RequestTemperatures, per device index.
	milli []int64
	ok    []bool

	// readFile reads sysfs attributes; tests count calls through it.
	readFile func(name string) ([]byte, error)
}

// NewSysfs creates a sysfs bus rooted at root (normally
// [DefaultSysfsRoot]). conversionTimeout bounds the wait for a bulk
// conversion.
func NewSysfs(root string, conversionTimeout time.Duration, logger *slog.Logger) *Sysfs {
	if root == "" {
		root = DefaultSysfsRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sysfs{
		root:              root,
		conversionTimeout: conversionTimeout,
		logger:            logger,
		readFile:          os.ReadFile,
	}
}

// Begin scans the sysfs tree for bus masters and temperature sensors.
func (s *Sysfs) Begin(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.root, err)
	}

	var masters, devices []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "w1_bus_master") {
			masters = append(masters, filepath.Join(s.root, name))
			continue
		}
		code, ok := familyCode(name)
		if !ok || !IsFamily(code) {
			continue
		}
		devices = append(devices, filepath.Join(s.root, name))
	}
	sort.Strings(masters)
	sort.Strings(devices)

	if len(devices) > MaxDevices {
		s.logger.Warn("too many sensors on bus, ignoring the rest",
			"found", len(devices), "max", MaxDevices)
		devices = devices[:MaxDevices]
	}

	s.masters = masters
	s.devices = devices
	s.milli = make([]int64, len(devices))
	s.ok = make([]bool, len(devices))
	s.logger.Debug("w1 bus scanned", "root", s.root, "masters", len(masters), "sensors", len(devices))
	return nil
}

// familyCode parses the "ff-" prefix of a w1 slave directory name.
func familyCode(name string) (byte, bool) {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok || len(prefix) != 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(prefix, 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// Count returns the number of sensors found by Begin.
func (s *Sysfs) Count() int {
	return len(s.devices)
}

// Names returns the w1 slave names in enumeration order.
func (s *Sysfs) Names() []string {
	names := make([]string, len(s.devices))
	for i, d := range s.devices {
		names[i] = filepath.Base(d)
	}
	return names
}

// RequestTemperatures triggers a bulk conversion on every bus master,
// waits until all of them report completion, then reads every sensor
// once and caches the result for [Sysfs.TempC] and [Sysfs.TempF].
// Masters without therm_bulk_read (older kernels) are skipped; their
// sensors convert when their attribute is read. Sensors are read even
// when the bulk conversion fails, as a failed read yields the
// disconnected sentinel.
func (s *Sysfs) RequestTemperatures(ctx context.Context) error {
	clear(s.ok)
	convErr := s.bulkConvert(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, dir := range s.devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		milli, err := s.readMilli(ctx, dir)
		if err != nil {
			s.logger.Debug("w1 read failed", "sensor_id", i, "error", err)
			continue
		}
		s.milli[i] = milli
		s.ok[i] = true
	}
	return convErr
}

// bulkConvert triggers therm_bulk_read on each master and polls it until
// it no longer reports a conversion in progress.
func (s *Sysfs) bulkConvert(ctx context.Context) error {
	var triggered []string
	for _, m := range s.masters {
		path := filepath.Join(m, "therm_bulk_read")
		if err := writeAttr(path, "trigger\n"); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("trigger bulk conversion on %s: %w", filepath.Base(m), err)
		}
		triggered = append(triggered, path)
	}
	if len(triggered) == 0 {
		return nil
	}

	deadline := time.Now().Add(s.conversionTimeout)
	for _, path := range triggered {
		for {
			data, err := s.readFile(path)
			if err != nil {
				return fmt.Errorf("poll bulk conversion: %w", err)
			}
			if strings.TrimSpace(string(data)) != "-1" {
				break
			}
			if !time.Now().Before(deadline) {
				return fmt.Errorf("bulk conversion still running after %s", s.conversionTimeout)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bulkPollInterval):
			}
		}
	}
	return nil
}

// writeAttr writes an existing sysfs attribute without creating it.
func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// TempC returns sensor index in Celsius from the last conversion.
func (s *Sysfs) TempC(index int) float64 {
	if index < 0 || index >= len(s.ok) || !s.ok[index] {
		return DisconnectedC
	}
	return float64(s.milli[index]) / 1000
}

// TempF returns sensor index in Fahrenheit from the last conversion,
// converted from the same raw millidegree value as [Sysfs.TempC].
func (s *Sysfs) TempF(index int) float64 {
	if index < 0 || index >= len(s.ok) || !s.ok[index] {
		return DisconnectedF
	}
	return float64(s.milli[index])*0.0018 + 32
}

// readMilli returns the raw value of one sensor in millidegrees Celsius.
// Each call reads the device once: the temperature attribute is
// preferred and w1_slave is parsed as a fallback.
func (s *Sysfs) readMilli(ctx context.Context, dir string) (int64, error) {
	path := filepath.Join(dir, "temperature")
	data, err := s.readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		path = filepath.Join(dir, "w1_slave")
		data, err = s.readFile(path)
	}
	if err != nil {
		return 0, err
	}
	s.logger.Log(ctx, config.LevelTrace, "w1 read",
		"path", path, "raw", strings.TrimSpace(string(data)))
	if filepath.Base(path) == "w1_slave" {
		return parseW1Slave(data)
	}
	return parseMilli(data)
}

func parseMilli(data []byte) (int64, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, errors.New("empty temperature attribute")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse temperature %q: %w", s, err)
	}
	return v, nil
}

// parseW1Slave extracts t=<milli> from the two-line w1_slave format,
// rejecting reads whose CRC line does not end in YES.
func parseW1Slave(data []byte) (int64, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return 0, errors.New("short w1_slave read")
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, errors.New("w1_slave crc check failed")
	}
	_, raw, ok := strings.Cut(lines[1], "t=")
	if !ok {
		return 0, errors.New("w1_slave missing t= field")
	}
	return parseMilli([]byte(raw))
}

// Close is a no-op; sysfs holds no open handles between reads.
func (s *Sysfs) Close() error {
	return nil
}
