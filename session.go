package pttflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a step of the RX session lifecycle.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateEngaging
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateEngaging:
		return "engaging"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RXConfig configures an RXSession.
type RXConfig struct {
	// Groups to engage. Required.
	Groups []string

	// Verbosity passed to Engage. Default: VerbosityActive.
	Verbosity string

	// EventTypes limits dispatched events. Empty dispatches everything except
	// ping/pong keepalives.
	EventTypes []string

	// IgnoreSelf drops events sent by the logged-in user.
	IgnoreSelf bool

	// EngageInterval re-engages groups while streaming. Zero disables.
	EngageInterval time.Duration

	// RefreshSkew logs in again this long before the token expires.
	// Default: 1 minute.
	RefreshSkew time.Duration

	// Retry controls reconnect backoff. Unset delays and multiplier take
	// their DefaultRetryConfig values; a zero value also retries forever.
	Retry RetryConfig

	// StableAfter is how long a stream must stay up before the reconnect
	// attempt counter resets. Default: 30 seconds.
	StableAfter time.Duration

	// PingInterval overrides the stream keepalive interval.
	PingInterval time.Duration
}

func (c RXConfig) withDefaults() RXConfig {
	if c.Verbosity == "" {
		c.Verbosity = VerbosityActive
	}
	if c.RefreshSkew == 0 {
		c.RefreshSkew = time.Minute
	}
	if c.StableAfter == 0 {
		c.StableAfter = 30 * time.Second
	}
	def := DefaultRetryConfig()
	if c.Retry.BaseDelay == 0 && c.Retry.MaxDelay == 0 && c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = -1
		c.Retry.Jitter = def.Jitter
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = def.Multiplier
	}
	c.Retry.RetryableErrors = nil
	return c
}

// RXSession keeps an event stream alive: it logs in, engages groups, opens
// the stream, dispatches events and reconnects with backoff when the stream
// is lost.
type RXSession struct {
	client *Client
	cfg    RXConfig
	allow  map[string]bool

	mu      sync.Mutex
	state   State
	auth    *Auth
	running bool

	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	handlerMu sync.RWMutex
	onEvent   []func(Event)
	onState   []func(State, error)
}

// NewRXSession creates an idle session. Call Run to start it.
func NewRXSession(c *Client, cfg RXConfig) *RXSession {
	cfg = cfg.withDefaults()
	allow := make(map[string]bool, len(cfg.EventTypes))
	for _, t := range cfg.EventTypes {
		allow[t] = true
	}
	return &RXSession{
		client:  c,
		cfg:     cfg,
		allow:   allow,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnEvent registers a callback for dispatched events. Callbacks run on the
// stream read loop and should not block.
func (s *RXSession) OnEvent(fn func(Event)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// OnState registers a callback for state transitions. err carries the cause
// of Reconnecting and Closed transitions.
func (s *RXSession) OnState(fn func(State, error)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onState = append(s.onState, fn)
}

// State returns the current lifecycle state.
func (s *RXSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Auth returns the current login, or nil before the first login.
func (s *RXSession) Auth() *Auth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// Run drives the session until Close is called, ctx ends, or reconnects are
// exhausted. It returns nil on a requested shutdown.
func (s *RXSession) Run(ctx context.Context) (err error) {
	if err := ValidateRXConfig(s.cfg); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("pttflow: rx session already started")
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		s.logout()
		s.setState(StateClosed, err)
		close(s.done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		uptime, connErr := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if uptime >= s.cfg.StableAfter {
			attempt = 0
		}
		if connErr == nil {
			connErr = errors.New("pttflow: stream ended")
		}
		if errors.Is(connErr, ErrUnauthorized) {
			s.invalidateAuth()
		}
		if errors.Is(connErr, ErrInvalidConfig) {
			return connErr
		}
		if s.cfg.Retry.MaxRetries >= 0 && attempt >= s.cfg.Retry.MaxRetries {
			return fmt.Errorf("pttflow: rx giving up after %d attempts: %w", attempt+1, connErr)
		}

		delay := calculateDelay(attempt, s.cfg.Retry)
		attempt++
		s.client.log("rx_reconnecting", map[string]any{"attempt": attempt, "delay": delay.String(), "err": connErr})
		s.setState(StateReconnecting, connErr)
		if sleepCtx(ctx, delay) != nil {
			return nil
		}
	}
}

// Close stops the session, logging out on the way. It waits for Run to
// return if it is running.
func (s *RXSession) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	s.mu.Lock()
	running := s.running
	if !running {
		s.state = StateClosed
	}
	s.mu.Unlock()
	if running {
		<-s.done
	}
	return nil
}

// connectOnce walks authenticate → engage → connect → stream and returns how
// long the stream stayed up and why it ended.
func (s *RXSession) connectOnce(ctx context.Context) (time.Duration, error) {
	s.setState(StateAuthenticating, nil)
	auth, err := s.ensureAuth(ctx)
	if err != nil {
		return 0, err
	}

	s.setState(StateEngaging, nil)
	if err := s.client.Engage(ctx, auth, s.cfg.Groups, s.cfg.Verbosity); err != nil {
		return 0, err
	}

	s.setState(StateConnecting, nil)
	stream, err := s.client.OpenStream(ctx, auth,
		WithEventHandler(s.handle),
		WithPingInterval(s.cfg.PingInterval),
	)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	s.setState(StateStreaming, nil)
	start := time.Now()

	var engageC <-chan time.Time
	if s.cfg.EngageInterval > 0 {
		t := time.NewTicker(s.cfg.EngageInterval)
		defer t.Stop()
		engageC = t.C
	}
	refresh := time.NewTimer(s.untilRefresh(auth))
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return time.Since(start), nil
		case <-stream.Done():
			return time.Since(start), stream.Err()
		case <-engageC:
			if err := s.client.Engage(ctx, s.Auth(), s.cfg.Groups, s.cfg.Verbosity); err != nil {
				s.client.logError("rx_reengage_failed", map[string]any{"err": err})
				if errors.Is(err, ErrUnauthorized) {
					return time.Since(start), err
				}
			}
		case <-refresh.C:
			prev := s.Auth()
			s.invalidateAuth()
			next, err := s.ensureAuth(ctx)
			if err != nil {
				return time.Since(start), err
			}
			if err := s.client.Engage(ctx, next, s.cfg.Groups, s.cfg.Verbosity); err != nil {
				s.client.logError("rx_reengage_failed", map[string]any{"err": err})
			} else if prev != nil && prev.Token != next.Token {
				s.retire(prev)
			}
			refresh.Reset(s.untilRefresh(next))
		}
	}
}

// untilRefresh is how long until a's token should be renewed. Tokens without
// an expiry get a timer far enough out to never fire in practice.
func (s *RXSession) untilRefresh(a *Auth) time.Duration {
	if a == nil || a.ExpiresAt.IsZero() {
		return 100 * 365 * 24 * time.Hour
	}
	d := time.Until(a.ExpiresAt) - s.cfg.RefreshSkew
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (s *RXSession) ensureAuth(ctx context.Context) (*Auth, error) {
	s.mu.Lock()
	current := s.auth
	s.mu.Unlock()
	if current != nil && !current.Expired(s.cfg.RefreshSkew) {
		return current, nil
	}
	a, err := s.client.Login(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.auth = a
	s.mu.Unlock()
	return a, nil
}

func (s *RXSession) invalidateAuth() {
	s.mu.Lock()
	s.auth = nil
	s.mu.Unlock()
}

func (s *RXSession) logout() {
	s.mu.Lock()
	a := s.auth
	s.auth = nil
	s.mu.Unlock()
	if a == nil {
		return
	}
	s.retire(a)
}

// retire logs a token out. Failures are logged and swallowed.
func (s *RXSession) retire(a *Auth) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Logout(ctx, a); err != nil {
		s.client.logError("rx_logout_failed", map[string]any{"err": err})
	}
}

func (s *RXSession) handle(e Event) {
	if len(s.allow) > 0 {
		if !s.allow[e.EventType] {
			return
		}
	} else if e.EventType == EventPing || e.EventType == EventPong {
		return
	}
	if s.cfg.IgnoreSelf {
		if a := s.Auth(); a != nil && a.UserID != "" && e.Sender == a.UserID {
			return
		}
	}

	s.handlerMu.RLock()
	handlers := s.onEvent
	s.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (s *RXSession) setState(st State, err error) {
	s.mu.Lock()
	if s.state == st && err == nil {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.handlerMu.RLock()
	handlers := s.onState
	s.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(st, err)
	}
}
