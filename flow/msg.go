// Package flow is a small message-passing runtime: nodes are built from a
// YAML definition, wired port-to-node, and exchange *Msg values through
// per-node inboxes.
package flow

import (
	"maps"

	"github.com/google/uuid"
)

// Msg is the unit passed between nodes. Payload holds JSON-shaped data
// (maps, slices, strings, numbers, bools) or raw []byte.
type Msg struct {
	ID      string         `json:"_msgid"`
	Topic   string         `json:"topic,omitempty"`
	Payload any            `json:"payload"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// NewMsg returns a message with a fresh ID.
func NewMsg(topic string, payload any) *Msg {
	return &Msg{ID: uuid.NewString(), Topic: topic, Payload: payload}
}

// Derive returns a new message that keeps m's ID and metadata but carries a
// different payload, the usual shape of a node's output.
func (m *Msg) Derive(topic string, payload any) *Msg {
	out := &Msg{ID: m.ID, Topic: topic, Payload: payload}
	if len(m.Meta) > 0 {
		out.Meta = maps.Clone(m.Meta)
	}
	return out
}

// SetMeta sets a metadata key, allocating the map if needed.
func (m *Msg) SetMeta(key string, v any) {
	if m.Meta == nil {
		m.Meta = make(map[string]any)
	}
	m.Meta[key] = v
}

// Clone deep-copies the message. Values other than maps, slices and
// []byte are shared.
func (m *Msg) Clone() *Msg {
	if m == nil {
		return nil
	}
	out := &Msg{ID: m.ID, Topic: m.Topic, Payload: deepCopy(m.Payload)}
	if m.Meta != nil {
		out.Meta = deepCopy(m.Meta).(map[string]any)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = deepCopy(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = deepCopy(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
