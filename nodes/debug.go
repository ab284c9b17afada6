package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// DebugNode logs every message it receives. complete selects what is
// logged: "payload" (the default), "msg" for the whole message, or a
// top-level payload field name.
type DebugNode struct {
	level    pttflow.LogLevel
	complete string
	status   bool

	rt    flow.Runtime
	count int
}

func newDebugNode(cfg flow.Config) (flow.Node, error) {
	level := strings.ToLower(cfg.String("level", "info"))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return nil, pttflow.NewConfigError("level", level, "must be debug, info, warn or error")
	}
	return &DebugNode{
		level:    pttflow.ParseLogLevel(level),
		complete: cfg.String("complete", "payload"),
		status:   cfg.Bool("status", true),
	}, nil
}

func (n *DebugNode) Start(_ context.Context, rt flow.Runtime) error {
	n.rt = rt
	return nil
}

func (n *DebugNode) Input(_ context.Context, m *flow.Msg) error {
	fields := map[string]any{"msgid": m.ID, "topic": m.Topic}
	switch n.complete {
	case "msg":
		fields["payload"] = m.Payload
		fields["meta"] = m.Meta
	case "payload", "":
		fields["payload"] = describe(m.Payload)
	default:
		if p, ok := m.Payload.(map[string]any); ok {
			fields[n.complete] = p[n.complete]
		}
	}

	log := n.rt.Logger()
	switch n.level {
	case pttflow.LogLevelDebug:
		log.Debug("debug_msg", fields)
	case pttflow.LogLevelWarn:
		log.Warn("debug_msg", fields)
	case pttflow.LogLevelError:
		log.Error("debug_msg", fields)
	default:
		log.Info("debug_msg", fields)
	}

	n.count++
	if n.status {
		n.rt.Status(flow.Status{Fill: flow.FillGrey, Shape: "dot", Text: fmt.Sprintf("%d msgs", n.count)})
	}
	return nil
}

// describe keeps binary payloads out of the log.
func describe(v any) any {
	if b, ok := v.([]byte); ok {
		return fmt.Sprintf("<%d bytes>", len(b))
	}
	return v
}

func (n *DebugNode) Close(context.Context) error { return nil }
