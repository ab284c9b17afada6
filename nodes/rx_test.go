package nodes

import (
	"testing"
	"time"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
	"github.com/enesunal-m/pttflow/internal/ptttest"
	"nhooyr.io/websocket"
)

const rxFlow = `
  - id: rx
    type: ptt-rx
    config: {config: cfg, groups: [g1], ignore_self: true, retry_delay: 20ms}
    wires: [[events], [states]]
  - {id: events, type: sink, config: {name: events}}
  - {id: states, type: sink, config: {name: states}}
`

func waitStreamingState(t *testing.T, h *harness, after int) {
	t.Helper()
	ptttest.Eventually(t, 3*time.Second, func() bool {
		msgs := h.sinks["states"].all()
		for _, m := range msgs[min(after, len(msgs)):] {
			if m.Payload.(map[string]any)["state"] == pttflow.StateStreaming.String() {
				return true
			}
		}
		return false
	}, "streaming state")
}

func TestRXDeliversEvents(t *testing.T) {
	srv := ptttest.NewServer(t)
	h := newHarness(t, srv, rxFlow, nil)
	waitStreamingState(t, h, 0)

	if got := srv.Engaged("u-alice"); len(got) != 1 || got[0] != "g1" {
		t.Fatalf("expected engage of g1, got %v", got)
	}

	srv.Push(ptttest.Event{"eventType": "text", "groupId": "g1", "sender": "u-bob", "text": "hi"})
	// own events are filtered out
	srv.Push(ptttest.Event{"eventType": "text", "groupId": "g1", "sender": "u-alice", "text": "me"})
	srv.Push(ptttest.Event{"eventType": "ptt", "groupId": "g1", "sender": "u-bob", "media": "/media/x"})
	msgs := h.wait(t, "events", 2)

	first := msgs[0]
	if first.Topic != "text" || first.Payload.(map[string]any)["text"] != "hi" {
		t.Errorf("unexpected first event %+v", first)
	}
	if first.Meta["groupId"] != "g1" || first.Meta["sender"] != "u-bob" {
		t.Errorf("unexpected meta %v", first.Meta)
	}
	if msgs[1].Topic != "ptt" {
		t.Errorf("expected ptt event second, got %q", msgs[1].Topic)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.sinks["events"].len(); n != 2 {
		t.Errorf("expected self event to be dropped, got %d events", n)
	}

	if v := h.metric(t, "rx_events_total", map[string]string{"node": "rx", "event_type": "text"}); v != 1 {
		t.Errorf("expected one counted text event, got %v", v)
	}
	if v := h.metric(t, "rx_session_state", map[string]string{"node": "rx"}); v != float64(pttflow.StateStreaming) {
		t.Errorf("expected streaming state gauge, got %v", v)
	}
}

func TestRXReconnects(t *testing.T) {
	srv := ptttest.NewServer(t)
	h := newHarness(t, srv, rxFlow, nil)
	waitStreamingState(t, h, 0)
	seen := h.sinks["states"].len()

	srv.CloseStreams(websocket.StatusCode(4001), "token expired")
	waitStreamingState(t, h, seen)

	if n := srv.Count("stream"); n < 2 {
		t.Errorf("expected a second stream handshake, got %d", n)
	}
	if n := srv.Count("login"); n < 2 {
		t.Errorf("expected a fresh login after 4001, got %d", n)
	}

	srv.Push(ptttest.Event{"eventType": "text", "groupId": "g1", "sender": "u-bob", "text": "back"})
	if msgs := h.wait(t, "events", 1); msgs[0].Payload.(map[string]any)["text"] != "back" {
		t.Errorf("unexpected event after reconnect %+v", msgs[0])
	}
}

func TestRXStateMessages(t *testing.T) {
	srv := ptttest.NewServer(t)
	h := newHarness(t, srv, rxFlow, nil)
	waitStreamingState(t, h, 0)

	seen := h.sinks["states"].len()
	srv.DropStreams()
	waitStreamingState(t, h, seen)

	var reconnecting bool
	for _, m := range h.sinks["states"].all()[seen:] {
		if m.Topic != "state" {
			t.Errorf("unexpected state topic %q", m.Topic)
		}
		if m.Payload.(map[string]any)["state"] == pttflow.StateReconnecting.String() {
			reconnecting = true
		}
	}
	if !reconnecting {
		t.Error("expected a reconnecting state between streams")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		state pttflow.State
		err   error
		fill  string
		text  string
	}{
		{pttflow.StateStreaming, nil, flow.FillGreen, "connected"},
		{pttflow.StateReconnecting, pttflow.ErrUnauthorized, flow.FillYellow, "reconnecting: unauthorized"},
		{pttflow.StateReconnecting, nil, flow.FillYellow, "reconnecting"},
		{pttflow.StateClosed, nil, flow.FillGrey, "closed"},
	}
	for _, tt := range tests {
		got := statusFor(tt.state, tt.err)
		if got.Fill != tt.fill || got.Text != tt.text {
			t.Errorf("statusFor(%v, %v) = %+v", tt.state, tt.err, got)
		}
	}
}
