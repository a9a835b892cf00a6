// Package identity derives the device identifier carried in every
// published record. The identifier is a lowercase hexadecimal string
// without leading zeros, resolved once at startup and stable for the
// life of the process.
package identity

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/nugget/thermoprobe/internal/config"
	"github.com/shirou/gopsutil/v3/host"
)

// ErrNoHardwareAddr is returned when no usable interface carries a MAC.
var ErrNoHardwareAddr = errors.New("no interface with a hardware address")

// resolver holds the system lookups so tests can replace them.
type resolver struct {
	interfaces func() ([]net.Interface, error)
	hostID     func(ctx context.Context) (string, error)
}

var system = resolver{
	interfaces: net.Interfaces,
	hostID:     host.HostIDWithContext,
}

// Resolve returns the device identifier for cfg.
func Resolve(ctx context.Context, cfg config.IdentityConfig) (string, error) {
	return system.resolve(ctx, cfg)
}

func (r resolver) resolve(ctx context.Context, cfg config.IdentityConfig) (string, error) {
	switch cfg.Source {
	case config.IdentityMAC, "":
		mac, err := r.hardwareAddr(cfg.Interface)
		if err != nil {
			return "", err
		}
		return FormatHex(mac), nil

	case config.IdentityHostID:
		raw, err := r.hostID(ctx)
		if err != nil {
			return "", fmt.Errorf("read host id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parse host id %q: %w", raw, err)
		}
		return FormatHex(id[:8]), nil

	case config.IdentityStatic:
		if cfg.Static == "" {
			return "", errors.New("static identity not configured")
		}
		return cfg.Static, nil
	}
	return "", fmt.Errorf("unknown identity source %q", cfg.Source)
}

// hardwareAddr returns the MAC of the named interface, or of the first
// non-loopback interface that has one when name is empty.
func (r resolver) hardwareAddr(name string) (net.HardwareAddr, error) {
	ifaces, err := r.interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if name != "" && iface.Name != name {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && name == "" {
			continue
		}
		if len(iface.HardwareAddr) == 0 || isZero(iface.HardwareAddr) {
			if name != "" {
				return nil, fmt.Errorf("interface %s: %w", name, ErrNoHardwareAddr)
			}
			continue
		}
		return iface.HardwareAddr, nil
	}
	if name != "" {
		return nil, fmt.Errorf("interface %s not found", name)
	}
	return nil, ErrNoHardwareAddr
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// FormatHex renders up to eight bytes as one big-endian unsigned integer
// in lowercase hex with no leading zeros. Longer input keeps its last
// eight bytes. A MAC keeps its transmission order, so the result reads
// like the address printed by ip link with the colons removed; it is not
// the byte-reversed form an ESP32 efuse value prints as.
func FormatHex(b []byte) string {
	if len(b) > 8 {
		b = b[len(b)-8:]
	}
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return strconv.FormatUint(binary.BigEndian.Uint64(buf[:]), 16)
}
