package mqtt

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeLink is up after upAfter probes; never up if upAfter < 0.
type fakeLink struct {
	upAfter int
	probes  int
}

func (l *fakeLink) Probe(context.Context) error {
	l.probes++
	if l.upAfter < 0 || l.probes <= l.upAfter {
		return errors.New("no carrier")
	}
	return nil
}

func (l *fakeLink) Addrs() ([]net.IP, error) {
	return []net.IP{net.ParseIP("192.168.1.50"), net.ParseIP("fe80::2")}, nil
}

type published struct {
	topic   string
	payload string
}

// fakeSession records publishes and fails on demand.
type fakeSession struct {
	connectErr error
	connected  bool
	failSends  map[int]bool // by publish attempt, 0-based
	attempts   int
	sent       []published
	closed     bool
}

func (s *fakeSession) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Connected() bool { return s.connected }

func (s *fakeSession) Publish(_ context.Context, topic string, payload []byte) error {
	n := s.attempts
	s.attempts++
	if s.failSends[n] {
		return errors.New("write: broken pipe")
	}
	s.sent = append(s.sent, published{topic, string(payload)})
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed = true
	s.connected = false
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.now = c.now.Add(d)
	return true
}

func newTestManager(link *fakeLink, sess *fakeSession, clock *fakeClock) *Manager {
	return NewManager(Options{
		Link:             link,
		LinkTimeout:      30 * time.Second,
		LinkPollInterval: 100 * time.Millisecond,
		Session:          sess,
		ConnectTimeout:   time.Second,
		Clock:            clock,
	})
}

func connected(t *testing.T) (*Manager, *fakeSession) {
	t.Helper()
	sess := &fakeSession{}
	m := newTestManager(&fakeLink{}, sess, &fakeClock{})
	if err := m.ConnectLink(context.Background()); err != nil {
		t.Fatalf("ConnectLink() error = %v", err)
	}
	if err := m.ConnectSession(context.Background()); err != nil {
		t.Fatalf("ConnectSession() error = %v", err)
	}
	if m.State() != SessionUp {
		t.Fatalf("State() = %v, want SessionUp", m.State())
	}
	return m, sess
}

func TestManager_HappyPath(t *testing.T) {
	t.Parallel()

	m, sess := connected(t)
	ok, err := m.Publish(context.Background(), "temperature-probe", []byte(`{"a":1}`))
	if err != nil || !ok {
		t.Fatalf("Publish() = %v, %v; want true, nil", ok, err)
	}
	if len(sess.sent) != 1 || sess.sent[0].topic != "temperature-probe" {
		t.Errorf("sent = %+v", sess.sent)
	}
	if err := m.Pump(context.Background()); err != nil {
		t.Errorf("Pump() error = %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !sess.closed {
		t.Error("Close() did not close the session")
	}
}

func TestManager_LinkRetriesThenUp(t *testing.T) {
	t.Parallel()

	link := &fakeLink{upAfter: 12}
	clock := &fakeClock{}
	m := newTestManager(link, &fakeSession{}, clock)
	if err := m.ConnectLink(context.Background()); err != nil {
		t.Fatalf("ConnectLink() error = %v", err)
	}
	if m.State() != LinkUp {
		t.Errorf("State() = %v, want LinkUp", m.State())
	}
	if link.probes != 13 {
		t.Errorf("probes = %d, want 13", link.probes)
	}
}

func TestManager_LinkTimeoutRestarts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	start := clock.now
	m := newTestManager(&fakeLink{upAfter: -1}, &fakeSession{}, clock)

	err := m.ConnectLink(context.Background())
	if !IsRestart(err) {
		t.Fatalf("ConnectLink() error = %v, want restart", err)
	}
	var re *RestartError
	if !errors.As(err, &re) || re.Cause != CauseLink {
		t.Errorf("ConnectLink() error = %#v, want cause %q", err, CauseLink)
	}
	if m.State() != Restarting {
		t.Errorf("State() = %v, want Restarting", m.State())
	}

	elapsed := clock.now.Sub(start)
	if elapsed < 30*time.Second || elapsed > 30*time.Second+100*time.Millisecond {
		t.Errorf("restart after %v, want within [30s, 30.1s]", elapsed)
	}
}

func TestManager_LinkCancelledIsNotRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newTestManager(&fakeLink{upAfter: -1}, &fakeSession{}, &fakeClock{})

	err := m.ConnectLink(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ConnectLink() error = %v, want context.Canceled", err)
	}
	if IsRestart(err) || m.State() != LinkDown {
		t.Errorf("cancellation moved state to %v", m.State())
	}
}

func TestManager_SessionRequiresLink(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	m := newTestManager(&fakeLink{}, sess, &fakeClock{})
	if err := m.ConnectSession(context.Background()); !errors.Is(err, ErrNoLink) {
		t.Fatalf("ConnectSession() error = %v, want ErrNoLink", err)
	}
	if sess.connected {
		t.Error("handshake attempted without link")
	}
}

func TestManager_SessionFailureRestarts(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{connectErr: errors.New("connection refused: not authorized")}
	m := newTestManager(&fakeLink{}, sess, &fakeClock{})
	if err := m.ConnectLink(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := m.ConnectSession(context.Background())
	var re *RestartError
	if !errors.As(err, &re) || re.Cause != CauseSession {
		t.Fatalf("ConnectSession() error = %v, want session restart", err)
	}
	if !errors.Is(err, sess.connectErr) {
		t.Errorf("restart error does not wrap the handshake error: %v", err)
	}
	if m.State() != Restarting {
		t.Errorf("State() = %v, want Restarting", m.State())
	}
}

func TestManager_PublishWhileDisconnected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T) (*Manager, *fakeSession)
	}{
		{"link down", func(t *testing.T) (*Manager, *fakeSession) {
			sess := &fakeSession{}
			return newTestManager(&fakeLink{}, sess, &fakeClock{}), sess
		}},
		{"link up without session", func(t *testing.T) (*Manager, *fakeSession) {
			sess := &fakeSession{}
			m := newTestManager(&fakeLink{}, sess, &fakeClock{})
			if err := m.ConnectLink(context.Background()); err != nil {
				t.Fatal(err)
			}
			return m, sess
		}},
		{"session dropped", func(t *testing.T) (*Manager, *fakeSession) {
			m, sess := connected(t)
			sess.connected = false
			return m, sess
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, sess := tt.setup(t)

			ok, err := m.Publish(context.Background(), "t", []byte("x"))
			if ok {
				t.Error("Publish() = true while disconnected")
			}
			var re *RestartError
			if !errors.As(err, &re) || re.Cause != CauseDisconnected {
				t.Fatalf("Publish() error = %v, want disconnected restart", err)
			}
			if m.State() != Restarting {
				t.Errorf("State() = %v, want Restarting", m.State())
			}
			if sess.attempts != 0 {
				t.Errorf("send attempted %d times", sess.attempts)
			}
		})
	}
}

func TestManager_FailedSendIsNotFatal(t *testing.T) {
	t.Parallel()

	m, sess := connected(t)
	sess.failSends = map[int]bool{0: true}

	ok, err := m.Publish(context.Background(), "t", []byte("first"))
	if ok || err != nil {
		t.Fatalf("Publish() = %v, %v; want false, nil", ok, err)
	}
	if m.State() != SessionUp {
		t.Fatalf("State() = %v after failed send, want SessionUp", m.State())
	}

	ok, err = m.Publish(context.Background(), "t", []byte("second"))
	if !ok || err != nil {
		t.Fatalf("Publish() = %v, %v; want true, nil", ok, err)
	}
	if len(sess.sent) != 1 || sess.sent[0].payload != "second" {
		t.Errorf("sent = %+v", sess.sent)
	}
}

func TestManager_PumpDetectsLostSession(t *testing.T) {
	t.Parallel()

	m, sess := connected(t)
	if err := m.Pump(context.Background()); err != nil {
		t.Fatalf("Pump() error = %v", err)
	}
	sess.connected = false
	if err := m.Pump(context.Background()); !IsRestart(err) {
		t.Fatalf("Pump() error = %v, want restart", err)
	}
}

func TestManager_PumpBeforeSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeLink{}, &fakeSession{}, &fakeClock{})
	if err := m.Pump(context.Background()); err != nil {
		t.Errorf("Pump() error = %v before session", err)
	}
}

func TestManager_RestartIsTerminal(t *testing.T) {
	t.Parallel()

	m, sess := connected(t)
	sess.connected = false
	first := m.Pump(context.Background())
	if !IsRestart(first) {
		t.Fatalf("Pump() error = %v, want restart", first)
	}

	sess.connected = true
	ctx := context.Background()
	if err := m.ConnectLink(ctx); err != first {
		t.Errorf("ConnectLink() = %v, want %v", err, first)
	}
	if err := m.ConnectSession(ctx); err != first {
		t.Errorf("ConnectSession() = %v, want %v", err, first)
	}
	if _, err := m.Publish(ctx, "t", nil); err != first {
		t.Errorf("Publish() = %v, want %v", err, first)
	}
	if err := m.Pump(ctx); err != first {
		t.Errorf("Pump() = %v, want %v", err, first)
	}
	if m.Err() != first {
		t.Errorf("Err() = %v, want %v", m.Err(), first)
	}
	if sess.attempts != 0 {
		t.Errorf("send attempted after restart")
	}
}

func TestRestartError(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	err := &RestartError{Cause: CauseSession, Err: inner}
	if !errors.Is(err, ErrRestart) || !errors.Is(err, inner) {
		t.Errorf("errors.Is failed for %v", err)
	}
	if got, want := err.Error(), "restart required: session: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if IsRestart(inner) || IsRestart(nil) {
		t.Error("IsRestart() true for non-restart error")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		LinkDown: "link_down", LinkUp: "link_up", SessionUp: "session_up", Restarting: "restarting",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
