package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/nugget/thermoprobe/internal/config"
)

// Session is one broker session. Implementations must make Connected
// safe to call while library goroutines update connection status.
type Session interface {
	// Connect performs a single handshake. ctx bounds it.
	Connect(ctx context.Context) error
	// Connected reports whether the session is still up.
	Connected() bool
	// Publish sends one QoS 0, non-retained message and waits for it to
	// be written, bounded by ctx and the session's publish timeout.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Close disconnects gracefully.
	Close(ctx context.Context) error
}

// NewSession builds the Session for cfg.Protocol.
func NewSession(cfg config.MQTTConfig, logger *slog.Logger) (Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Protocol {
	case config.Protocol311, "":
		return NewV311Session(cfg, logger)
	case config.Protocol5:
		return NewV5Session(cfg, logger)
	}
	return nil, fmt.Errorf("unsupported mqtt protocol %q", cfg.Protocol)
}

// Default broker ports.
const (
	defaultPort    = "1883"
	defaultTLSPort = "8883"
)

// brokerURL parses a broker URL, filling in the default port. TLS is
// enabled for mqtts:// or ssl:// schemes.
func brokerURL(raw string) (*url.URL, *tls.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Hostname() == "" {
		return nil, nil, fmt.Errorf("mqtt broker URL %q has no host", raw)
	}

	var tlsCfg *tls.Config
	port := defaultPort
	switch u.Scheme {
	case "tcp", "mqtt":
	case "mqtts", "ssl", "tls":
		tlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: u.Hostname(),
		}
		port = defaultTLSPort
	default:
		return nil, nil, fmt.Errorf("unsupported mqtt broker scheme %q", u.Scheme)
	}

	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, tlsCfg, nil
}

// waitDeadline returns the tighter of ctx's deadline and now+d.
func waitDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
