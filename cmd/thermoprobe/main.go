// Thermoprobe publishes one-wire temperature sensor readings to an MQTT
// broker.
//
// Every measurement interval it converts all sensors on the bus and
// publishes one JSON record per sensor to a single topic. If the network
// link or the broker session is lost, it does not try to reconnect: it
// exits (for systemd to restart it) or reboots the device, depending on
// configuration. Configuration is loaded from a YAML or TOML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	thermoprobe [run]            Start publishing
//	thermoprobe scan             Read every sensor once and print the records
//	thermoprobe init [dir]       Write an example config.yaml
//	thermoprobe version          Print version and build information
//	thermoprobe -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/thermoprobe/internal/buildinfo"
	"github.com/nugget/thermoprobe/internal/config"
	"github.com/nugget/thermoprobe/internal/connwatch"
	"github.com/nugget/thermoprobe/internal/identity"
	"github.com/nugget/thermoprobe/internal/mqtt"
	"github.com/nugget/thermoprobe/internal/onewire"
	"github.com/nugget/thermoprobe/internal/payload"
	"github.com/nugget/thermoprobe/internal/sampler"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. The only
// decision made here is the exit status: a required restart exits with
// its configured code so a supervisor can tell it apart from a crash.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// run is the real entry point for the thermoprobe command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     an orderly disconnect.
//   - stdout and stderr receive all program output. The publisher logs
//     to stdout; scan logs to stderr so its records stay machine-readable.
//   - args is os.Args[1:], parsed by hand rather than with the flag
//     package to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run", "":
		return runProbe(ctx, stdout, configPath)
	case "scan":
		return runScan(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Thermoprobe - one-wire temperature publisher")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: thermoprobe [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Publish readings until stopped (default)")
	fmt.Fprintln(w, "  scan         Read every sensor once and print the records")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runProbe is the long-running publisher: identity, bus, link, session,
// then the publish loop. Any connectivity failure ends in [restart].
func runProbe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting thermoprobe", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"protocol", cfg.MQTT.Protocol,
		"topic", cfg.MQTT.Topic,
		"interval", cfg.Measurement.Interval().String(),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deviceID, err := identity.Resolve(ctx, cfg.Identity)
	if err != nil {
		return fmt.Errorf("resolve device identity: %w", err)
	}
	logger.Info("device identity", "device_id", deviceID, "source", cfg.Identity.Source)

	bus, err := openBus(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	session, err := mqtt.NewSession(cfg.MQTT, logger)
	if err != nil {
		return err
	}
	mgr := mqtt.NewManager(mqtt.Options{
		Link:             connwatch.NewLink(cfg.Link.Interface),
		LinkTimeout:      cfg.Link.Timeout(),
		LinkPollInterval: cfg.Link.PollInterval(),
		Session:          session,
		ConnectTimeout:   cfg.MQTT.ConnectTimeout(),
		Logger:           logger,
	})

	err = mgr.ConnectLink(ctx)
	if err == nil {
		err = mgr.ConnectSession(ctx)
	}
	if err == nil {
		cycle := sampler.NewCycle(sampler.CycleConfig{
			Reader:      onewire.NewReader(bus, logger),
			Publisher:   mgr,
			DeviceID:    deviceID,
			Topic:       cfg.MQTT.Topic,
			DropFaulted: cfg.Bus.DropFaulted,
			Logger:      logger,
		})
		loop := sampler.NewLoop(sampler.LoopConfig{
			Cycle:    cycle,
			Pump:     mgr,
			Interval: cfg.Measurement.Interval(),
			Tick:     cfg.Measurement.Tick(),
			Logger:   logger,
		})
		err = loop.Run(ctx)
	}

	switch {
	case mqtt.IsRestart(err):
		return restart(ctx, cfg.Restart, logger, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Close(shutdownCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
		return nil
	}
	return err
}

// runScan reads every sensor once and prints the records that would be
// published, without touching the network.
func runScan(ctx context.Context, stdout, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, err := scanConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	deviceID, err := identity.Resolve(ctx, cfg.Identity)
	if err != nil {
		return fmt.Errorf("resolve device identity: %w", err)
	}

	bus, err := openBus(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	var names []string
	if n, ok := bus.(interface{ Names() []string }); ok {
		names = n.Names()
	}

	readings := onewire.NewReader(bus, logger).ReadAll(ctx)
	if outputFmt == "text" {
		fmt.Fprintf(stdout, "device %s, %d sensor(s) on %s bus\n", deviceID, len(readings), cfg.Bus.Driver)
	}
	for _, r := range readings {
		data, err := payload.Encode(deviceID, r.Index, r.Celsius, r.Fahrenheit)
		if err != nil {
			return fmt.Errorf("encode sensor %d: %w", r.Index, err)
		}
		if outputFmt == "json" {
			fmt.Fprintln(stdout, string(data))
			continue
		}
		name := ""
		if int(r.Index) < len(names) {
			name = names[r.Index]
		}
		status := "ok"
		if err := r.Fault(); err != nil {
			status = "fault"
		}
		fmt.Fprintf(stdout, "  %2d  %-16s %9.4f C %9.4f F  %s\n", r.Index, name, r.Celsius, r.Fahrenheit, status)
	}
	return nil
}

// scanConfig loads the config if one can be found; scan does not need a
// broker, so a missing file falls back to defaults.
func scanConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// openBus creates and starts the configured bus driver.
func openBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (onewire.Bus, error) {
	var bus onewire.Bus
	switch cfg.Driver {
	case config.DriverPeriph:
		bus = onewire.NewPeriph(cfg.PeriphBus, cfg.Resolution, logger)
	default:
		bus = onewire.NewSysfs(cfg.SysfsRoot, cfg.ConversionTimeout(), logger)
	}
	if err := bus.Begin(ctx); err != nil {
		return nil, fmt.Errorf("start %s bus: %w", cfg.Driver, err)
	}
	logger.Info("sensors found", "driver", cfg.Driver, "count", bus.Count())
	return bus, nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// already checked by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
