package pttflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	streamReadLimit     = 1 << 20
	writeTimeout        = 15 * time.Second

	// closeUnauthorized is the close code the service uses when the token
	// behind a stream is revoked or expires.
	closeUnauthorized websocket.StatusCode = 4001
)

// StreamOption configures OpenStream.
type StreamOption func(*Stream)

// WithEventHandler registers fn for every dispatched event before the read
// loop starts, so no early event is missed.
func WithEventHandler(fn func(Event)) StreamOption {
	return func(s *Stream) { s.onAny = append(s.onAny, fn) }
}

// WithCloseHandler registers fn to run once when the read loop exits.
func WithCloseHandler(fn func(error)) StreamOption {
	return func(s *Stream) { s.onClose = fn }
}

// WithPingInterval overrides the websocket keepalive interval.
func WithPingInterval(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// Stream is a live websocket subscription to the events of engaged groups.
// Handlers run on the read loop goroutine and should not block.
type Stream struct {
	client *Client

	// Connection state
	conn       *websocket.Conn
	writeMu    sync.Mutex
	readCancel context.CancelFunc
	closedCh   chan struct{}
	closeOnce  sync.Once
	closing    bool // set under writeMu when Close was called
	err        error

	pingInterval time.Duration

	handlerMu sync.RWMutex
	handlers  map[string][]func(Event)
	onAny     []func(Event)
	onClose   func(error)
}

// OpenStream dials the event stream with the given auth and starts the
// background read and keepalive loops.
func (c *Client) OpenStream(ctx context.Context, a *Auth, opts ...StreamOption) (*Stream, error) {
	if a == nil || a.Token == "" {
		return nil, NewConnectionError(c.streamURL, "dial", ErrUnauthorized)
	}

	h := http.Header{}
	for k, vals := range c.cfg.HandshakeHeaders {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("Authorization", "Bearer "+a.Token)
	h.Set("User-Agent", c.cfg.userAgent())

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(dialCtx, c.streamURL, &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient, HTTPHeader: h})
	if err != nil {
		if resp != nil && resp.StatusCode/100 != 1 && resp.StatusCode/100 != 2 {
			err = &APIError{Method: "GET", Path: "/stream", StatusCode: resp.StatusCode}
		}
		return nil, NewConnectionError(c.streamURL, "dial", err)
	}
	ws.SetReadLimit(streamReadLimit)

	s := &Stream{
		client:       c,
		conn:         ws,
		closedCh:     make(chan struct{}),
		pingInterval: defaultPingInterval,
		handlers:     make(map[string][]func(Event)),
	}
	for _, o := range opts {
		o(s)
	}
	c.log("stream_connected", map[string]any{"url": c.streamURL, "user_id": a.UserID})

	rcCtx, cancel := context.WithCancel(context.Background())
	s.readCancel = cancel
	go s.readLoop(rcCtx)
	go s.pingLoop()
	return s, nil
}

// OnEvent registers a callback for one event type.
func (s *Stream) OnEvent(eventType string, fn func(Event)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], fn)
}

// OnAny registers a callback for every event, including unknown types.
func (s *Stream) OnAny(fn func(Event)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onAny = append(s.onAny, fn)
}

// OnClose registers a callback that runs once when the stream ends.
// The error is nil when the stream was closed by Close.
func (s *Stream) OnClose(fn func(error)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onClose = fn
}

// Done is closed when the read loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.closedCh }

// Err returns why the stream ended; nil while running or after Close.
func (s *Stream) Err() error {
	select {
	case <-s.closedCh:
		return s.err
	default:
		return nil
	}
}

// Close shuts the stream down and waits for the read loop to exit. It is safe
// to call multiple times, but not from inside a handler.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	s.closing = true
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "closing")
		s.conn = nil
	}
	s.writeMu.Unlock()

	if s.readCancel != nil {
		s.readCancel()
	}
	<-s.closedCh
	return nil
}

// Send writes an event on the stream itself (used for keepalives and acks).
func (s *Stream) Send(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return NewSendError(e.EventType, e.ID, fmt.Errorf("marshal payload: %w", err))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewSendError(e.EventType, e.ID, ErrSendTimeout)
		}
		return NewSendError(e.EventType, e.ID, err)
	}
	return nil
}

func (s *Stream) readLoop(ctx context.Context) {
	var loopErr error
	defer func() {
		s.writeMu.Lock()
		closing := s.closing
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "reader_exit")
			s.conn = nil
		}
		s.writeMu.Unlock()

		if closing {
			loopErr = nil
		}
		s.closeOnce.Do(func() {
			s.err = loopErr
			close(s.closedCh)
		})
		s.client.log("stream_closed", map[string]any{"err": loopErr})

		s.handlerMu.RLock()
		onClose := s.onClose
		s.handlerMu.RUnlock()
		if onClose != nil {
			onClose(loopErr)
		}
	}()

	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	if conn == nil {
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			loopErr = classifyReadError(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		e, err := decodeEvent(data)
		if err != nil {
			s.client.logError("bad_event_json", map[string]any{"err": err, "raw_data": string(data)})
			continue
		}
		s.dispatch(e)
	}
}

func classifyReadError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return NewConnectionError("", "read", fmt.Errorf("server closed stream: %w", err))
	case closeUnauthorized, websocket.StatusPolicyViolation:
		return NewConnectionError("", "read", &APIError{Method: "GET", Path: "/stream", StatusCode: 401, Body: err.Error()})
	default:
		return NewConnectionError("", "read", err)
	}
}

func (s *Stream) pingLoop() {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closedCh:
			return
		case <-t.C:
			s.writeMu.Lock()
			conn := s.conn
			s.writeMu.Unlock()
			if conn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.pingInterval)
			if err := conn.Ping(ctx); err != nil {
				s.client.logDebug("ping_failed", map[string]any{"err": err})
			}
			cancel()
		}
	}
}

func (s *Stream) dispatch(e Event) {
	if e.EventType == EventPing {
		if err := s.Send(context.Background(), Event{EventType: EventPong, ID: e.ID}); err != nil {
			s.client.logDebug("pong_failed", map[string]any{"err": err})
		}
	}

	s.handlerMu.RLock()
	typed := s.handlers[e.EventType]
	anys := s.onAny
	s.handlerMu.RUnlock()

	for _, fn := range typed {
		fn(e)
	}
	for _, fn := range anys {
		fn(e)
	}
	if len(typed) == 0 && len(anys) == 0 {
		s.client.logDebug("unhandled_event", map[string]any{"type": e.EventType})
	}
}
