package connwatch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrLinkDown is returned by [Link.Probe] while no matching interface is
// up with a usable address.
var ErrLinkDown = errors.New("link down")

// Link probes the host's network link: an interface that is up and
// carries at least one non-loopback unicast address.
type Link struct {
	// Interface restricts the check to one interface. Empty accepts any
	// non-loopback interface.
	Interface string

	// interfaces and addrs are replaced in tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

// NewLink returns a Link probe for the named interface ("" for any).
func NewLink(iface string) *Link {
	return &Link{
		Interface:  iface,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// Probe returns nil when the link is up. It satisfies [ProbeFunc].
func (l *Link) Probe(ctx context.Context) error {
	ips, err := l.Addrs()
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		if l.Interface != "" {
			return fmt.Errorf("%s: %w", l.Interface, ErrLinkDown)
		}
		return ErrLinkDown
	}
	return nil
}

// Addrs returns the usable addresses on matching interfaces that are up,
// IPv4 first.
func (l *Link) Addrs() ([]net.IP, error) {
	ifaces, err := l.interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var v4, v6 []net.IP
	found := false
	for _, iface := range ifaces {
		if l.Interface != "" && iface.Name != l.Interface {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && l.Interface == "" {
			continue
		}
		found = true
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := l.addrs(iface)
		if err != nil {
			return nil, fmt.Errorf("addresses of %s: %w", iface.Name, err)
		}
		for _, a := range addrs {
			ip := addrIP(a)
			if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
				continue
			}
			if ip.To4() != nil {
				v4 = append(v4, ip)
			} else {
				v6 = append(v6, ip)
			}
		}
	}
	if l.Interface != "" && !found {
		return nil, fmt.Errorf("interface %s not found: %w", l.Interface, ErrLinkDown)
	}
	return append(v4, v6...), nil
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}
