package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	paho311 "github.com/eclipse/paho.mqtt.golang"
	"github.com/nugget/thermoprobe/internal/config"
)

// disconnectQuiesce is how long Close lets in-flight work finish, in
// milliseconds.
const disconnectQuiesce = 250

// V311Session is an MQTT 3.1.1 [Session] backed by Eclipse Paho's
// mqtt.golang client with reconnection disabled.
type V311Session struct {
	client         paho311.Client
	broker         string
	publishTimeout time.Duration
	logger         *slog.Logger
	lost           atomic.Bool
}

// NewV311Session configures a client for cfg without connecting.
func NewV311Session(cfg config.MQTTConfig, logger *slog.Logger) (*V311Session, error) {
	u, tlsCfg, err := brokerURL(cfg.Broker)
	if err != nil {
		return nil, err
	}

	s := &V311Session{
		broker:         u.Redacted(),
		publishTimeout: cfg.PublishTimeout(),
		logger:         logger,
	}

	opts := paho311.NewClientOptions().
		AddBroker(u.String()).
		SetClientID(cfg.ClientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive()).
		SetConnectTimeout(cfg.ConnectTimeout()).
		SetWriteTimeout(cfg.PublishTimeout()).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ paho311.Client, err error) {
			s.lost.Store(true)
			s.logger.Warn("mqtt connection lost", "broker", s.broker, "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	s.client = paho311.NewClient(opts)
	return s, nil
}

// Connect performs the CONNECT handshake.
func (s *V311Session) Connect(ctx context.Context) error {
	s.logger.Debug("mqtt connect", "broker", s.broker, "protocol", config.Protocol311)
	tok := s.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect to %s: %w", s.broker, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.broker, err)
	}
	s.lost.Store(false)
	return nil
}

// Connected reports whether the connection is open and has not been
// reported lost.
func (s *V311Session) Connected() bool {
	return !s.lost.Load() && s.client.IsConnectionOpen()
}

// Publish sends payload at QoS 0.
func (s *V311Session) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := waitDeadline(ctx, s.publishTimeout)
	defer cancel()

	tok := s.client.Publish(topic, 0, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

// Close disconnects from the broker.
func (s *V311Session) Close(ctx context.Context) error {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesce)
	}
	return nil
}
