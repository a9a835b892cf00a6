package mqtt

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/nugget/thermoprobe/internal/config"
)

func TestBrokerURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		host    string
		tls     bool
		wantErr bool
	}{
		{"tcp://10.0.0.2:1883", "10.0.0.2:1883", false, false},
		{"mqtt://broker.local", "broker.local:1883", false, false},
		{"mqtts://broker.example", "broker.example:8883", true, false},
		{"ssl://broker.example:8884", "broker.example:8884", true, false},
		{"tcp://[fd00::2]", "[fd00::2]:1883", false, false},
		{"ws://broker.local:9001", "", false, true},
		{"broker.local:1883", "", false, true},
		{"tcp://", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			u, tlsCfg, err := brokerURL(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("brokerURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if u.Host != tt.host {
				t.Errorf("host = %q, want %q", u.Host, tt.host)
			}
			if (tlsCfg != nil) != tt.tls {
				t.Errorf("tls = %v, want %v", tlsCfg != nil, tt.tls)
			}
			if tlsCfg != nil && tlsCfg.MinVersion != tls.VersionTLS12 {
				t.Errorf("MinVersion = %#x, want TLS 1.2", tlsCfg.MinVersion)
			}
		})
	}
}

func testMQTTConfig(protocol string) config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Broker = "tcp://127.0.0.1:1"
	cfg.Protocol = protocol
	cfg.Username = "probe"
	cfg.Password = "secret"
	return cfg
}

func TestNewSession_Protocol(t *testing.T) {
	t.Parallel()

	s, err := NewSession(testMQTTConfig(config.Protocol311), nil)
	if err != nil {
		t.Fatalf("NewSession(3.1.1) error = %v", err)
	}
	if _, ok := s.(*V311Session); !ok {
		t.Errorf("NewSession(3.1.1) = %T, want *V311Session", s)
	}

	s, err = NewSession(testMQTTConfig(config.Protocol5), nil)
	if err != nil {
		t.Fatalf("NewSession(5) error = %v", err)
	}
	if _, ok := s.(*V5Session); !ok {
		t.Errorf("NewSession(5) = %T, want *V5Session", s)
	}

	if _, err := NewSession(testMQTTConfig("3.1"), nil); err == nil {
		t.Error("NewSession(3.1) should error")
	}

	bad := testMQTTConfig(config.Protocol311)
	bad.Broker = "http://broker"
	if _, err := NewSession(bad, nil); err == nil {
		t.Error("NewSession with http scheme should error")
	}
}

func TestSessions_NotConnected(t *testing.T) {
	t.Parallel()

	for _, proto := range []string{config.Protocol311, config.Protocol5} {
		s, err := NewSession(testMQTTConfig(proto), nil)
		if err != nil {
			t.Fatalf("NewSession(%s) error = %v", proto, err)
		}
		if s.Connected() {
			t.Errorf("%s: Connected() = true before Connect", proto)
		}
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("%s: Close() before Connect = %v", proto, err)
		}
	}
}

func TestSessions_ConnectRefused(t *testing.T) {
	t.Parallel()

	// Port 1 on loopback is not an MQTT broker; both clients must fail
	// the handshake rather than retry.
	for _, proto := range []string{config.Protocol311, config.Protocol5} {
		s, err := NewSession(testMQTTConfig(proto), nil)
		if err != nil {
			t.Fatalf("NewSession(%s) error = %v", proto, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.Connect(ctx)
		cancel()
		if err == nil {
			t.Errorf("%s: Connect() to closed port succeeded", proto)
		}
		if s.Connected() {
			t.Errorf("%s: Connected() = true after failed Connect", proto)
		}
	}
}
