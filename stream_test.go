package pttflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/enesunal-m/pttflow/internal/ptttest"
	"nhooyr.io/websocket"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func openTestStream(t *testing.T, srv *ptttest.Server, opts ...StreamOption) (*Client, *Auth, *Stream) {
	t.Helper()
	c := newTestClient(t, srv)
	a := login(t, c)
	if err := c.Engage(context.Background(), a, []string{"g1"}, ""); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	s, err := c.OpenStream(context.Background(), a, opts...)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ptttest.Eventually(t, 2*time.Second, func() bool { return srv.OpenStreams() == 1 }, "stream registered")
	return c, a, s
}

func TestStreamDispatch(t *testing.T) {
	srv := ptttest.NewServer(t)
	var all, ptt eventSink
	_, _, s := openTestStream(t, srv, WithEventHandler(all.add))
	s.OnEvent(EventPTT, ptt.add)

	srv.Push(ptttest.Event{"eventType": "ptt", "id": "e1", "groupId": "g1", "sender": "u-bob", "media": "https://m/1.wav"})
	srv.Push(ptttest.Event{"eventType": "text", "id": "e2", "groupId": "g1", "text": "hi"})
	srv.Push(ptttest.Event{"eventType": "text", "id": "e3", "groupId": "other", "text": "not engaged"})

	ptttest.Eventually(t, 2*time.Second, func() bool { return all.len() == 2 }, "two events dispatched")
	if ptt.len() != 1 || ptt.all()[0].Media != "https://m/1.wav" {
		t.Errorf("typed handler got %+v", ptt.all())
	}
	got := all.all()
	if got[0].ID != "e1" || got[1].Text != "hi" {
		t.Errorf("unexpected events %+v", got)
	}
	if len(got[0].Raw) == 0 {
		t.Error("expected raw JSON to be kept")
	}
}

func TestStreamSkipsMalformedEvents(t *testing.T) {
	srv := ptttest.NewServer(t)
	var all eventSink
	_, _, s := openTestStream(t, srv, WithEventHandler(all.add))

	srv.PushRaw(`{not json`)
	srv.PushRaw(`{"id":"no-type"}`)
	srv.Push(ptttest.Event{"eventType": "text", "text": "ok"})

	ptttest.Eventually(t, 2*time.Second, func() bool { return all.len() == 1 }, "valid event dispatched")
	if s.Err() != nil {
		t.Errorf("stream should survive bad events, got %v", s.Err())
	}
}

func TestStreamAnswersPing(t *testing.T) {
	srv := ptttest.NewServer(t)
	var all eventSink
	openTestStream(t, srv, WithEventHandler(all.add))

	srv.Push(ptttest.Event{"eventType": "ping", "id": "p1"})
	ptttest.Eventually(t, 2*time.Second, func() bool { return srv.Pongs() == 1 }, "pong sent")
}

func TestStreamServerClose(t *testing.T) {
	srv := ptttest.NewServer(t)
	var closeErr error
	closed := make(chan struct{})
	_, _, s := openTestStream(t, srv, WithCloseHandler(func(err error) {
		closeErr = err
		close(closed)
	}))

	srv.DropStreams()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after server close")
	}
	<-closed
	if !errors.Is(s.Err(), ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", s.Err())
	}
	if errors.Is(s.Err(), ErrUnauthorized) {
		t.Error("going-away close should not look unauthorized")
	}
	if closeErr == nil {
		t.Error("close handler should see the error")
	}
}

func TestStreamUnauthorizedClose(t *testing.T) {
	srv := ptttest.NewServer(t)
	_, _, s := openTestStream(t, srv)

	srv.CloseStreams(websocket.StatusCode(4001), "token revoked")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
	if !errors.Is(s.Err(), ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", s.Err())
	}
}

func TestStreamClientClose(t *testing.T) {
	srv := ptttest.NewServer(t)
	_, _, s := openTestStream(t, srv)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if s.Err() != nil {
		t.Errorf("expected nil error after Close, got %v", s.Err())
	}
	if err := s.Send(context.Background(), Event{EventType: EventPong}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on send after close, got %v", err)
	}
}

func TestOpenStreamRejected(t *testing.T) {
	srv := ptttest.NewServer(t)
	c := newTestClient(t, srv)

	if _, err := c.OpenStream(context.Background(), nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized without auth, got %v", err)
	}

	_, err := c.OpenStream(context.Background(), &Auth{Token: "forged"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for bad token, got %v", err)
	}

	a := login(t, c)
	srv.RejectStreams(1)
	_, err = c.OpenStream(context.Background(), a)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Errorf("expected 503 APIError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("503 handshake should be retryable")
	}
}
