package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nugget/thermoprobe/internal/connwatch"
)

// State is the connectivity state of a [Manager].
type State int

// Connectivity states. Restarting is terminal.
const (
	LinkDown State = iota
	LinkUp
	SessionUp
	Restarting
)

func (s State) String() string {
	switch s {
	case LinkDown:
		return "link_down"
	case LinkUp:
		return "link_up"
	case SessionUp:
		return "session_up"
	case Restarting:
		return "restarting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrNoLink is returned by [Manager.ConnectSession] when called before
// the link is up.
var ErrNoLink = errors.New("session requires link")

// Link reports network link status. [*connwatch.Link] implements it.
type Link interface {
	Probe(ctx context.Context) error
	Addrs() ([]net.IP, error)
}

// Options configures a [Manager].
type Options struct {
	// Link is polled by ConnectLink. Required.
	Link Link

	// LinkTimeout bounds ConnectLink (default: 30s).
	LinkTimeout time.Duration

	// LinkPollInterval is the delay between link probes (default: 100ms).
	LinkPollInterval time.Duration

	// Session is the broker session. Required.
	Session Session

	// ConnectTimeout bounds the broker handshake (default: 10s).
	ConnectTimeout time.Duration

	// Clock drives link polling. Defaults to connwatch.SystemClock.
	Clock connwatch.Clock

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Manager owns the link and the broker session. It is not safe for
// concurrent use; the publish loop is its only caller.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	state   State
	restart *RestartError
}

// NewManager creates a Manager in the LinkDown state.
//
// Panics if Link or Session is nil.
func NewManager(opts Options) *Manager {
	if opts.Link == nil {
		panic("mqtt: Options.Link must not be nil")
	}
	if opts.Session == nil {
		panic("mqtt: Options.Session must not be nil")
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = connwatch.DefaultTimeout
	}
	if opts.LinkPollInterval <= 0 {
		opts.LinkPollInterval = connwatch.DefaultPollInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = connwatch.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts, logger: opts.Logger, state: LinkDown}
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	return m.state
}

// Err returns the restart error once the Manager is Restarting, or nil.
func (m *Manager) Err() error {
	if m.restart == nil {
		return nil
	}
	return m.restart
}

// ConnectLink waits for the network link, polling at LinkPollInterval
// until it is up or LinkTimeout elapses. A timeout moves the Manager to
// Restarting. Cancelling ctx returns ctx.Err() without a restart.
func (m *Manager) ConnectLink(ctx context.Context) error {
	if m.state == Restarting {
		return m.restart
	}
	if m.state != LinkDown {
		return nil
	}

	m.logger.Info("waiting for network link",
		"timeout", m.opts.LinkTimeout.String(),
	)

	err := connwatch.Await(ctx, connwatch.Config{
		Name:         "link",
		Probe:        m.opts.Link.Probe,
		PollInterval: m.opts.LinkPollInterval,
		Timeout:      m.opts.LinkTimeout,
		Logger:       m.logger,
		Clock:        m.opts.Clock,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.fail(CauseLink, err)
	}

	m.state = LinkUp
	attrs := []any{}
	if ips, err := m.opts.Link.Addrs(); err == nil {
		var v4, v6 []string
		for _, ip := range ips {
			if ip.To4() != nil {
				v4 = append(v4, ip.String())
			} else {
				v6 = append(v6, ip.String())
			}
		}
		attrs = append(attrs, "ipv4", v4, "ipv6", v6)
	}
	m.logger.Info("network link up", attrs...)
	return nil
}

// ConnectSession performs one broker handshake bounded by
// ConnectTimeout. It requires LinkUp. A failed handshake moves the
// Manager to Restarting.
func (m *Manager) ConnectSession(ctx context.Context) error {
	switch m.state {
	case Restarting:
		return m.restart
	case SessionUp:
		return nil
	case LinkDown:
		return ErrNoLink
	}

	m.logger.Info("connecting to broker",
		"timeout", m.opts.ConnectTimeout.String(),
	)

	connCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	if err := m.opts.Session.Connect(connCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.fail(CauseSession, err)
	}

	m.state = SessionUp
	m.logger.Info("broker session up")
	return nil
}

// Publish sends payload to topic. If the session is not up when called,
// the Manager moves to Restarting and nothing is sent. A send that
// fails while the session is up is logged and reported as false with a
// nil error; the state does not change.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) (bool, error) {
	if m.state == Restarting {
		return false, m.restart
	}
	if m.state != SessionUp || !m.opts.Session.Connected() {
		return false, m.fail(CauseDisconnected, fmt.Errorf("publish in state %s", m.state))
	}

	if err := m.opts.Session.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn("publish failed", "topic", topic, "error", err)
		return false, nil
	}
	return true, nil
}

// Pump is called on every loop iteration. The underlying clients
// service keepalive and control traffic on their own goroutines; Pump
// observes the result and moves the Manager to Restarting if the
// session has dropped. It never blocks.
func (m *Manager) Pump(ctx context.Context) error {
	switch m.state {
	case Restarting:
		return m.restart
	case SessionUp:
		if !m.opts.Session.Connected() {
			return m.fail(CauseDisconnected, errors.New("session lost"))
		}
	}
	return nil
}

// Close disconnects the session if it is up. It is used on orderly
// shutdown, not on restart.
func (m *Manager) Close(ctx context.Context) error {
	if m.state != SessionUp {
		return nil
	}
	m.state = LinkUp
	return m.opts.Session.Close(ctx)
}

// fail enters the terminal Restarting state.
func (m *Manager) fail(cause Cause, err error) error {
	from := m.state
	m.state = Restarting
	m.restart = &RestartError{Cause: cause, Err: err}
	m.logger.Error("connectivity failed, restart required",
		"cause", string(cause),
		"from", from.String(),
		"error", err,
	)
	return m.restart
}
