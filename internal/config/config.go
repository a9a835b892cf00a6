// Package config handles thermoprobe configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ./config.toml, ~/.config/thermoprobe/config.yaml,
// /etc/thermoprobe/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml", "config.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thermoprobe", "config.yaml"))
	}

	paths = append(paths, "/etc/thermoprobe/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all thermoprobe configuration.
type Config struct {
	Identity    IdentityConfig    `yaml:"identity" toml:"identity"`
	Bus         BusConfig         `yaml:"bus" toml:"bus"`
	Link        LinkConfig        `yaml:"link" toml:"link"`
	MQTT        MQTTConfig        `yaml:"mqtt" toml:"mqtt"`
	Measurement MeasurementConfig `yaml:"measurement" toml:"measurement"`
	Restart     RestartConfig     `yaml:"restart" toml:"restart"`
	LogLevel    string            `yaml:"log_level" toml:"log_level"`
	LogFormat   string            `yaml:"log_format" toml:"log_format"` // text (default) or json
}

// IdentityConfig selects where the device identifier comes from.
type IdentityConfig struct {
	// Source is one of "mac" (default), "host-id" or "static".
	Source string `yaml:"source" toml:"source"`
	// Interface pins the "mac" source to one network interface. Empty
	// means the first non-loopback interface with a hardware address.
	Interface string `yaml:"interface" toml:"interface"`
	// Static is the lowercase hex id used when Source is "static".
	Static string `yaml:"static" toml:"static"`
}

// BusConfig defines the one-wire temperature bus.
type BusConfig struct {
	Driver              string `yaml:"driver" toml:"driver"`                               // sysfs (default) or periph
	SysfsRoot           string `yaml:"sysfs_root" toml:"sysfs_root"`                       // default: /sys/bus/w1/devices
	PeriphBus           string `yaml:"periph_bus" toml:"periph_bus"`                       // periph bus name, empty = first
	Resolution          int    `yaml:"resolution" toml:"resolution"`                       // 9-12 bits, periph only
	ConversionTimeoutMs int    `yaml:"conversion_timeout_ms" toml:"conversion_timeout_ms"` // default: 1000
	// DropFaulted suppresses readings classified as sensor faults
	// instead of publishing them.
	DropFaulted bool `yaml:"drop_faulted" toml:"drop_faulted"`
}

// LinkConfig defines how network link availability is detected.
type LinkConfig struct {
	// Interface is the network interface that must be up. Empty means
	// any non-loopback interface with an address.
	Interface      string `yaml:"interface" toml:"interface"`
	TimeoutSec     int    `yaml:"timeout_sec" toml:"timeout_sec"`           // default: 30
	PollIntervalMs int    `yaml:"poll_interval_ms" toml:"poll_interval_ms"` // default: 100
}

// MQTTConfig defines the broker session.
type MQTTConfig struct {
	// Broker is a URL: tcp://, mqtt://, mqtts:// or ssl://host:port.
	Broker   string `yaml:"broker" toml:"broker"`
	Protocol string `yaml:"protocol" toml:"protocol"` // "3.1.1" (default) or "5"
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	Topic    string `yaml:"topic" toml:"topic"`

	ConnectTimeoutSec int `yaml:"connect_timeout_sec" toml:"connect_timeout_sec"` // default: 10
	KeepAliveSec      int `yaml:"keepalive_sec" toml:"keepalive_sec"`             // default: 15
	PublishTimeoutMs  int `yaml:"publish_timeout_ms" toml:"publish_timeout_ms"`   // default: 2000
}

// MeasurementConfig defines the publish cycle cadence.
type MeasurementConfig struct {
	IntervalMs int `yaml:"interval_ms" toml:"interval_ms"` // default: 30000
	// TickMs bounds one loop iteration (pump plus due check).
	TickMs int `yaml:"tick_ms" toml:"tick_ms"` // default: 100
}

// RestartConfig defines what happens once connectivity is lost.
type RestartConfig struct {
	Mode     string `yaml:"mode" toml:"mode"`           // exit (default) or reboot
	DelayMs  int    `yaml:"delay_ms" toml:"delay_ms"`   // default: 2500
	ExitCode int    `yaml:"exit_code" toml:"exit_code"` // default: 75
}

// Valid values for enumerated config fields.
const (
	IdentityMAC    = "mac"
	IdentityHostID = "host-id"
	IdentityStatic = "static"

	DriverSysfs  = "sysfs"
	DriverPeriph = "periph"

	Protocol311 = "3.1.1"
	Protocol5   = "5"

	RestartExit   = "exit"
	RestartReboot = "reboot"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{1,16}$`)

// Load reads configuration from a YAML or TOML file. The format is
// chosen by extension; anything other than .toml is parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration. The broker is left empty and
// must be supplied before the configuration validates.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Identity.Source == "" {
		c.Identity.Source = IdentityMAC
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = DriverSysfs
	}
	if c.Bus.SysfsRoot == "" {
		c.Bus.SysfsRoot = "/sys/bus/w1/devices"
	}
	if c.Bus.Resolution == 0 {
		c.Bus.Resolution = 12
	}
	if c.Bus.ConversionTimeoutMs == 0 {
		c.Bus.ConversionTimeoutMs = 1000
	}

	if c.Link.TimeoutSec == 0 {
		c.Link.TimeoutSec = 30
	}
	if c.Link.PollIntervalMs == 0 {
		c.Link.PollIntervalMs = 100
	}

	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = Protocol311
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "temperature-probe"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "temperature-probe"
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 10
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 15
	}
	if c.MQTT.PublishTimeoutMs == 0 {
		c.MQTT.PublishTimeoutMs = 2000
	}

	if c.Measurement.IntervalMs == 0 {
		c.Measurement.IntervalMs = 30000
	}
	if c.Measurement.TickMs == 0 {
		c.Measurement.TickMs = 100
	}

	if c.Restart.Mode == "" {
		c.Restart.Mode = RestartExit
	}
	if c.Restart.DelayMs == 0 {
		c.Restart.DelayMs = 2500
	}
	if c.Restart.ExitCode == 0 {
		c.Restart.ExitCode = 75
	}
}

// Validate checks the configuration for values the probe cannot run with.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}

	switch c.Identity.Source {
	case IdentityMAC, IdentityHostID:
	case IdentityStatic:
		if !hexID.MatchString(c.Identity.Static) {
			return fmt.Errorf("identity.static %q must be 1-16 lowercase hex digits", c.Identity.Static)
		}
	default:
		return fmt.Errorf("identity.source %q invalid (expected mac, host-id or static)", c.Identity.Source)
	}

	switch c.Bus.Driver {
	case DriverSysfs, DriverPeriph:
	default:
		return fmt.Errorf("bus.driver %q invalid (expected sysfs or periph)", c.Bus.Driver)
	}
	if c.Bus.Resolution < 9 || c.Bus.Resolution > 12 {
		return fmt.Errorf("bus.resolution %d out of range (9-12)", c.Bus.Resolution)
	}

	if !c.MQTT.Configured() {
		return fmt.Errorf("mqtt.broker is required")
	}
	switch c.MQTT.Protocol {
	case Protocol311, Protocol5:
	default:
		return fmt.Errorf("mqtt.protocol %q invalid (expected 3.1.1 or 5)", c.MQTT.Protocol)
	}
	if c.MQTT.Topic == "" || strings.ContainsAny(c.MQTT.Topic, "+#") {
		return fmt.Errorf("mqtt.topic %q must be a non-empty topic name without wildcards", c.MQTT.Topic)
	}

	switch c.Restart.Mode {
	case RestartExit, RestartReboot:
	default:
		return fmt.Errorf("restart.mode %q invalid (expected exit or reboot)", c.Restart.Mode)
	}

	for name, v := range map[string]int{
		"bus.conversion_timeout_ms": c.Bus.ConversionTimeoutMs,
		"link.timeout_sec":          c.Link.TimeoutSec,
		"link.poll_interval_ms":     c.Link.PollIntervalMs,
		"mqtt.connect_timeout_sec":  c.MQTT.ConnectTimeoutSec,
		"mqtt.keepalive_sec":        c.MQTT.KeepAliveSec,
		"mqtt.publish_timeout_ms":   c.MQTT.PublishTimeoutMs,
		"measurement.interval_ms":   c.Measurement.IntervalMs,
		"measurement.tick_ms":       c.Measurement.TickMs,
		"restart.delay_ms":          c.Restart.DelayMs,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", name, v)
		}
	}
	return nil
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ConnectTimeout returns the session handshake bound.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// KeepAlive returns the session keepalive interval.
func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// PublishTimeout returns how long a single send may take.
func (c MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMs) * time.Millisecond
}

// Timeout returns the link establishment bound.
func (c LinkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PollInterval returns the link status polling period.
func (c LinkConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ConversionTimeout returns the convert-all wait bound.
func (c BusConfig) ConversionTimeout() time.Duration {
	return time.Duration(c.ConversionTimeoutMs) * time.Millisecond
}

// Interval returns the publish cycle period.
func (c MeasurementConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Tick returns the loop iteration period.
func (c MeasurementConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// Delay returns the pause before restarting.
func (c RestartConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}
