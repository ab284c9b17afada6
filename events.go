package pttflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types carried on the stream and accepted by SendEvent.
const (
	EventPTT        = "ptt"
	EventText       = "text"
	EventUserStatus = "userstatus"
	EventImage      = "image"
	EventLocation   = "location"
	EventPing       = "ping"
	EventPong       = "pong"
)

// sendable lists the event types a client may post to a group.
var sendable = map[string]bool{
	EventPTT:        true,
	EventText:       true,
	EventUserStatus: true,
	EventImage:      true,
	EventLocation:   true,
}

// envelope is used for initial JSON parsing to determine the event type.
type envelope struct {
	EventType string `json:"eventType"`
}

// Event is a single message on a PTT group. Which fields are set depends on
// EventType.
type Event struct {
	EventType  string   `json:"eventType"`
	ID         string   `json:"id,omitempty"`
	TS         int64    `json:"ts,omitempty"` // Unix milliseconds
	Sender     string   `json:"sender,omitempty"`
	SenderName string   `json:"senderName,omitempty"`
	GroupID    string   `json:"groupId,omitempty"`
	GroupIDs   []string `json:"groupIds,omitempty"`
	// Target addresses a single user inside the group.
	Target string `json:"target,omitempty"`

	Media    string   `json:"media,omitempty"` // URL of a ptt voice clip
	Duration float64  `json:"duration,omitempty"`
	Text     string   `json:"text,omitempty"`
	Status   string   `json:"status,omitempty"`
	Image    string   `json:"image,omitempty"` // URL of an image
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`

	// Raw is the JSON the event was decoded from, if it came off the stream.
	Raw json.RawMessage `json:"-"`
}

// ToMap converts the event into a JSON-shaped map, the form flow payloads use.
func (e Event) ToMap() map[string]any {
	b, err := json.Marshal(e)
	if err != nil {
		return map[string]any{"eventType": e.EventType}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// EventFromMap decodes a JSON-shaped map (or any JSON-marshalable value)
// into an Event.
func EventFromMap(v any) (Event, error) {
	var e Event
	b, err := json.Marshal(v)
	if err != nil {
		return e, NewEventError("unknown", nil, err)
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return e, NewEventError("unknown", b, err)
	}
	return e, nil
}

func decodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, NewEventError("unknown", raw, err)
	}
	if env.EventType == "" {
		return Event{}, NewEventError("unknown", raw, errors.New("missing eventType"))
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, NewEventError(env.EventType, raw, err)
	}
	e.Raw = append(json.RawMessage(nil), raw...)
	return e, nil
}

// ValidateEvent checks that an outgoing event has the fields its type requires.
func ValidateEvent(e Event) error {
	if !sendable[e.EventType] {
		return NewEventError(e.EventType, nil, fmt.Errorf("event type %q cannot be sent", e.EventType))
	}
	missing := ""
	switch e.EventType {
	case EventPTT:
		if e.Media == "" {
			missing = "media"
		}
	case EventText:
		if e.Text == "" {
			missing = "text"
		}
	case EventUserStatus:
		if e.Status == "" {
			missing = "status"
		}
	case EventImage:
		if e.Image == "" {
			missing = "image"
		}
	case EventLocation:
		if e.Lat == nil || e.Lng == nil {
			missing = "lat/lng"
		} else if *e.Lat < -90 || *e.Lat > 90 || *e.Lng < -180 || *e.Lng > 180 {
			return NewEventError(e.EventType, nil, errors.New("coordinates out of range"))
		}
	}
	if missing != "" {
		return NewEventError(e.EventType, nil, fmt.Errorf("%s is required", missing))
	}
	return nil
}
