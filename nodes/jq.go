package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
	"github.com/itchyny/gojq"
)

// JQNode applies a jq expression to the payload. $topic and $meta are bound
// to the message's topic and metadata. Every result becomes one output
// message; an expression that yields nothing drops the message.
type JQNode struct {
	expr string
	code *gojq.Code
	rt   flow.Runtime
}

func newJQNode(cfg flow.Config) (flow.Node, error) {
	expr := cfg.String("expr", "")
	if expr == "" {
		return nil, pttflow.NewConfigError("expr", "", "cannot be empty")
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expr, err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$topic", "$meta"}))
	if err != nil {
		return nil, fmt.Errorf("compile jq expression %q: %w", expr, err)
	}
	return &JQNode{expr: expr, code: code}, nil
}

func (n *JQNode) Start(_ context.Context, rt flow.Runtime) error {
	n.rt = rt
	return nil
}

func (n *JQNode) Input(ctx context.Context, m *flow.Msg) error {
	input, err := jsonShape(m.Payload)
	if err != nil {
		return err
	}
	meta, err := jsonShape(m.Meta)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = map[string]any{}
	}

	iter := n.code.RunWithContext(ctx, input, m.Topic, meta)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return fmt.Errorf("jq %q: %w", n.expr, err)
		}
		results = append(results, v)
	}
	for _, v := range results {
		n.rt.Send(0, m.Derive(m.Topic, v))
	}
	return nil
}

func (n *JQNode) Close(context.Context) error { return nil }

// jsonShape normalizes v to the types gojq accepts. []byte payloads become
// base64 strings, the way they marshal to JSON.
func jsonShape(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, int:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, pttflow.NewEventError("unknown", nil, fmt.Errorf("payload is not JSON-shaped: %w", err))
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
