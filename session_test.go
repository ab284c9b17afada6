package pttflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/enesunal-m/pttflow/internal/ptttest"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: -1, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (l *stateLog) record(s State, err error) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *stateLog) count(s State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.states {
		if x == s {
			n++
		}
	}
	return n
}

func runSession(t *testing.T, s *RXSession) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() { _ = s.Close() })
	return errCh
}

func waitStreaming(t *testing.T, srv *ptttest.Server, s *RXSession, streams int) {
	t.Helper()
	ptttest.Eventually(t, 3*time.Second, func() bool {
		return s.State() == StateStreaming && srv.OpenStreams() == streams
	}, "session streaming")
}

func TestRXSessionDeliversEvents(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, Retry: fastRetry()})
	var sink eventSink
	s.OnEvent(sink.add)
	runSession(t, s)
	waitStreaming(t, srv, s, 1)

	srv.Push(ptttest.Event{"eventType": "ptt", "groupId": "g1", "sender": "u-bob", "media": "https://m/1"})
	srv.Push(ptttest.Event{"eventType": "ping", "id": "p"})
	ptttest.Eventually(t, 2*time.Second, func() bool { return sink.len() == 1 }, "ptt delivered")

	// keepalives never reach handlers
	time.Sleep(50 * time.Millisecond)
	if sink.len() != 1 {
		t.Errorf("expected only the ptt event, got %+v", sink.all())
	}
	if s.Auth() == nil || s.Auth().UserID != "u-alice" {
		t.Errorf("unexpected auth %+v", s.Auth())
	}
	if got := srv.Engaged("u-alice"); len(got) != 1 || got[0] != "g1" {
		t.Errorf("expected g1 engaged, got %v", got)
	}
}

func TestRXSessionFilters(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{
		Groups:     []string{"g1"},
		EventTypes: []string{EventText},
		IgnoreSelf: true,
		Retry:      fastRetry(),
	})
	var sink eventSink
	s.OnEvent(sink.add)
	runSession(t, s)
	waitStreaming(t, srv, s, 1)

	srv.Push(ptttest.Event{"eventType": "ptt", "groupId": "g1", "sender": "u-bob", "media": "x"})
	srv.Push(ptttest.Event{"eventType": "text", "groupId": "g1", "sender": "u-alice", "text": "mine"})
	srv.Push(ptttest.Event{"eventType": "text", "groupId": "g1", "sender": "u-bob", "text": "theirs"})

	ptttest.Eventually(t, 2*time.Second, func() bool { return sink.len() >= 1 }, "text delivered")
	time.Sleep(50 * time.Millisecond)
	got := sink.all()
	if len(got) != 1 || got[0].Text != "theirs" {
		t.Errorf("expected only bob's text, got %+v", got)
	}
}

func TestRXSessionReconnects(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, Retry: fastRetry()})
	var states stateLog
	s.OnState(states.record)
	var sink eventSink
	s.OnEvent(sink.add)
	runSession(t, s)
	waitStreaming(t, srv, s, 1)

	srv.DropStreams()
	ptttest.Eventually(t, 3*time.Second, func() bool { return srv.Count("stream") == 2 && srv.OpenStreams() == 1 }, "second stream")
	waitStreaming(t, srv, s, 1)

	if states.count(StateReconnecting) < 1 {
		t.Error("expected a reconnecting transition")
	}
	// the still-valid token is reused
	if srv.Count("login") != 1 {
		t.Errorf("expected a single login, got %d", srv.Count("login"))
	}
	if srv.Count("engage") != 2 {
		t.Errorf("expected engage on every connect, got %d", srv.Count("engage"))
	}

	srv.Push(ptttest.Event{"eventType": "text", "groupId": "g1", "text": "after reconnect"})
	ptttest.Eventually(t, 2*time.Second, func() bool { return sink.len() == 1 }, "event after reconnect")
}

func TestRXSessionReloginOnUnauthorized(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, Retry: fastRetry()})
	runSession(t, s)
	waitStreaming(t, srv, s, 1)
	first := s.Auth().Token

	srv.RevokeAll()
	srv.CloseStreams(4001, "revoked")

	ptttest.Eventually(t, 3*time.Second, func() bool { return srv.Count("login") == 2 }, "second login")
	waitStreaming(t, srv, s, 1)
	if s.Auth().Token == first {
		t.Error("expected a fresh token after unauthorized close")
	}
}

func TestRXSessionRetriesHandshakeFailures(t *testing.T) {
	srv := ptttest.NewServer(t)
	srv.RejectStreams(2)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, Retry: fastRetry()})
	runSession(t, s)
	waitStreaming(t, srv, s, 1)

	if srv.Count("stream") != 3 {
		t.Errorf("expected 3 stream handshakes, got %d", srv.Count("stream"))
	}
}

func TestRXSessionGivesUp(t *testing.T) {
	srv := ptttest.NewServer(t)
	srv.RejectStreams(10)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{
		Groups: []string{"g1"},
		Retry:  RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
	})
	var states stateLog
	s.OnState(states.record)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to give up")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Errorf("expected the last handshake error, got %v", err)
	}
	if srv.Count("stream") != 3 {
		t.Errorf("expected 3 attempts, got %d", srv.Count("stream"))
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed state, got %v", s.State())
	}
	// the session logs out on the way out
	if srv.Count("logout") != 1 {
		t.Errorf("expected logout, got %d", srv.Count("logout"))
	}
}

func TestRXSessionStopsOnConfigError(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{})

	if err := s.Run(context.Background()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRXSessionClose(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, Retry: fastRetry()})
	errCh := runSession(t, s)
	waitStreaming(t, srv, s, 1)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected nil from Run after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}
	if srv.Count("logout") != 1 {
		t.Errorf("expected logout on close, got %d", srv.Count("logout"))
	}
	ptttest.Eventually(t, 2*time.Second, func() bool { return srv.OpenStreams() == 0 }, "stream closed")

	if err := s.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on restart, got %v", err)
	}
}

func TestRXSessionContextCancel(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, Retry: fastRetry()})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	waitStreaming(t, srv, s, 1)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close after Run: %v", err)
	}
}

func TestRXSessionRefreshesToken(t *testing.T) {
	srv := ptttest.NewServer(t)
	srv.TokenTTL = 1500 * time.Millisecond
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, RefreshSkew: time.Second, Retry: fastRetry()})
	runSession(t, s)
	waitStreaming(t, srv, s, 1)

	// refresh fires a second before expiry, clamped to at least one second
	ptttest.Eventually(t, 3*time.Second, func() bool { return srv.Count("login") >= 2 }, "token refreshed")
	if srv.Count("stream") != 1 {
		t.Errorf("refresh should keep the stream, got %d handshakes", srv.Count("stream"))
	}
	if srv.Count("engage") < 2 {
		t.Errorf("expected re-engage with the new token, got %d", srv.Count("engage"))
	}
	// the replaced token is logged out once its successor is engaged
	ptttest.Eventually(t, 2*time.Second, func() bool { return srv.Count("logout") >= 1 }, "old token logged out")
	if s.State() != StateStreaming {
		t.Errorf("expected streaming after refresh, got %v", s.State())
	}
}

func TestRXSessionReengagesPeriodically(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, EngageInterval: 50 * time.Millisecond, Retry: fastRetry()})
	runSession(t, s)
	waitStreaming(t, srv, s, 1)

	ptttest.Eventually(t, 2*time.Second, func() bool { return srv.Count("engage") >= 3 }, "groups re-engaged")
	if srv.Count("stream") != 1 || srv.Count("login") != 1 {
		t.Errorf("re-engage should reuse the stream and token, got %d handshakes and %d logins",
			srv.Count("stream"), srv.Count("login"))
	}
}

func TestRXSessionStableStreamResetsAttempts(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)
	retry := fastRetry()
	retry.MaxRetries = 1
	s := NewRXSession(c, RXConfig{Groups: []string{"g1"}, StableAfter: 100 * time.Millisecond, Retry: retry})
	errCh := runSession(t, s)
	waitStreaming(t, srv, s, 1)

	// each drop follows a stream that outlived StableAfter, so neither
	// counts against the single allowed retry
	for i := 2; i <= 3; i++ {
		time.Sleep(150 * time.Millisecond)
		srv.DropStreams()
		ptttest.Eventually(t, 3*time.Second, func() bool {
			return srv.Count("stream") == i && s.State() == StateStreaming
		}, "stream reopened")
	}

	select {
	case err := <-errCh:
		t.Fatalf("session gave up after stable streams: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateIdle: "idle", StateAuthenticating: "authenticating", StateEngaging: "engaging",
		StateConnecting: "connecting", StateStreaming: "streaming", StateReconnecting: "reconnecting",
		StateClosed: "closed", State(99): "unknown",
	}
	for st, s := range want {
		if st.String() != s {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), s)
		}
	}
}

func TestRXConfigDefaults(t *testing.T) {
	cfg := RXConfig{Groups: []string{"g1"}}.withDefaults()
	if cfg.Verbosity != VerbosityActive || cfg.RefreshSkew != time.Minute || cfg.StableAfter != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Retry.MaxRetries != -1 || cfg.Retry.RetryableErrors != nil {
		t.Errorf("expected retry-forever default, got %+v", cfg.Retry)
	}
}

func TestRXConfigPartialRetryDefaults(t *testing.T) {
	cfg := RXConfig{Groups: []string{"g1"}, Retry: RetryConfig{MaxRetries: -1}}.withDefaults()
	def := DefaultRetryConfig()
	if cfg.Retry.BaseDelay != def.BaseDelay || cfg.Retry.MaxDelay != def.MaxDelay || cfg.Retry.Multiplier != def.Multiplier {
		t.Errorf("expected default delays to fill in, got %+v", cfg.Retry)
	}
	if cfg.Retry.MaxRetries != -1 {
		t.Errorf("explicit MaxRetries should survive, got %d", cfg.Retry.MaxRetries)
	}
	if d := calculateDelay(0, cfg.Retry); d <= 0 {
		t.Errorf("reconnect delay should not be zero, got %v", d)
	}

	cfg = RXConfig{Groups: []string{"g1"}, Retry: RetryConfig{MaxRetries: 2, BaseDelay: 5 * time.Millisecond}}.withDefaults()
	if cfg.Retry.BaseDelay != 5*time.Millisecond || cfg.Retry.MaxRetries != 2 || cfg.Retry.MaxDelay != def.MaxDelay {
		t.Errorf("explicit fields should be kept, got %+v", cfg.Retry)
	}
}
