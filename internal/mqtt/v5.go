package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/thermoprobe/internal/config"
)

// V5Session is an MQTT v5 [Session] backed by Eclipse Paho v2's paho
// client. Unlike autopaho, a paho.Client never reconnects, which is the
// behavior the Manager needs.
type V5Session struct {
	cfg            config.MQTTConfig
	url            *url.URL
	tls            *tls.Config
	publishTimeout time.Duration
	logger         *slog.Logger

	client    *paho.Client
	connected atomic.Bool
}

// NewV5Session validates cfg without connecting.
func NewV5Session(cfg config.MQTTConfig, logger *slog.Logger) (*V5Session, error) {
	u, tlsCfg, err := brokerURL(cfg.Broker)
	if err != nil {
		return nil, err
	}
	return &V5Session{
		cfg:            cfg,
		url:            u,
		tls:            tlsCfg,
		publishTimeout: cfg.PublishTimeout(),
		logger:         logger,
	}, nil
}

// Connect dials the broker and performs the CONNECT handshake.
func (s *V5Session) Connect(ctx context.Context) error {
	broker := s.url.Redacted()
	s.logger.Debug("mqtt connect", "broker", broker, "protocol", config.Protocol5)

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("mqtt dial %s: %w", broker, err)
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: s.cfg.ClientID,
		Conn:     conn,
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.connected.Store(false)
			s.logger.Warn("mqtt server disconnected", "broker", broker, "reason_code", d.ReasonCode)
		},
		OnClientError: func(err error) {
			s.connected.Store(false)
			s.logger.Warn("mqtt connection lost", "broker", broker, "error", err)
		},
	})

	cp := &paho.Connect{
		KeepAlive:  uint16(s.cfg.KeepAlive() / time.Second),
		ClientID:   s.cfg.ClientID,
		CleanStart: true,
	}
	if s.cfg.Username != "" {
		cp.Username = s.cfg.Username
		cp.UsernameFlag = true
		cp.Password = []byte(s.cfg.Password)
		cp.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("mqtt connect to %s: refused with reason code %d", broker, ca.ReasonCode)
	}

	s.client = client
	s.connected.Store(true)
	return nil
}

func (s *V5Session) dial(ctx context.Context) (net.Conn, error) {
	if s.tls != nil {
		d := &tls.Dialer{Config: s.tls}
		return d.DialContext(ctx, "tcp", s.url.Host)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", s.url.Host)
}

// Connected reports whether the session is up.
func (s *V5Session) Connected() bool {
	return s.client != nil && s.connected.Load()
}

// Publish sends payload at QoS 0.
func (s *V5Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.client == nil {
		return fmt.Errorf("publish to %s: not connected", topic)
	}
	ctx, cancel := waitDeadline(ctx, s.publishTimeout)
	defer cancel()

	if _, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close sends DISCONNECT.
func (s *V5Session) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	s.connected.Store(false)
	err := s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	s.client = nil
	return err
}
