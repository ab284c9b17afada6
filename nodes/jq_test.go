package nodes

import (
	"testing"
	"time"

	"github.com/enesunal-m/pttflow/flow"
	"github.com/enesunal-m/pttflow/internal/ptttest"
)

func TestJQ(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		topic string
		in    any
		meta  map[string]any
		want  []any
	}{
		{"field", ".text", "t", map[string]any{"text": "hi"}, nil, []any{"hi"}},
		{"topic variable", "{t: $topic, v: .}", "alerts", 1, nil, []any{map[string]any{"t": "alerts", "v": 1}}},
		{"meta variable", "$meta.groupId", "", nil, map[string]any{"groupId": "g1"}, []any{"g1"}},
		{"fan out", ".items[]", "", map[string]any{"items": []string{"a", "b"}}, nil, []any{"a", "b"}},
		{"filter drops", "select(.eventType == \"ptt\")", "", map[string]any{"eventType": "text"}, nil, nil},
		{"halt stops", "halt", "", 1, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ptttest.NewServer(t)
			h := newHarness(t, srv, `
  - {id: jq, type: jq, config: {expr: '`+tt.expr+`'}, wires: [[out]]}
  - {id: out, type: sink, config: {name: out}}
`, nil)

			in := flow.NewMsg(tt.topic, tt.in)
			in.Meta = tt.meta
			h.inject(t, "jq", in)
			if len(tt.want) > 0 {
				h.wait(t, "out", len(tt.want))
			}
			time.Sleep(50 * time.Millisecond)

			var got []any
			for _, m := range h.sinks["out"].all() {
				if m.ID != in.ID {
					t.Errorf("output should keep the input ID")
				}
				got = append(got, m.Payload)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if !equalJSON(got[i], tt.want[i]) {
					t.Errorf("result %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestJQRuntimeError(t *testing.T) {
	srv := ptttest.NewServer(t)
	h := newHarness(t, srv, `
  - {id: jq, type: jq, config: {expr: '.a.b'}, wires: [[out]]}
  - {id: out, type: sink, config: {name: out}}
`, nil)

	h.inject(t, "jq", flow.NewMsg("", map[string]any{"a": "string"}))
	ptttest.Eventually(t, 2*time.Second, func() bool {
		return h.metric(t, "node_errors_total", map[string]string{"node": "jq"}) == 1
	}, "jq error counted")
}

func equalJSON(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k := range x {
			if !equalJSON(x[k], y[k]) {
				return false
			}
		}
		return true
	case float64:
		switch y := b.(type) {
		case int:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	case int:
		return equalJSON(float64(x), b)
	default:
		return a == b
	}
}
