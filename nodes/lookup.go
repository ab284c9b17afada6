package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// Lookup kinds.
const (
	LookupGroup      = "group"
	LookupUser       = "user"
	LookupUserGroups = "groups"
)

// LookupNode resolves group and user records from the directory. The kind
// comes from the node config or, when unset, the message topic. The id is
// the payload itself or its "id" field.
//
// A record that does not exist is not an error: the output payload is nil
// and meta["error"] is "not found".
type LookupNode struct {
	configID string
	kind     string

	cfg *ConfigNode
	rt  flow.Runtime
}

func newLookupNode(cfg flow.Config) (flow.Node, error) {
	n := &LookupNode{
		configID: cfg.String("config", ""),
		kind:     cfg.String("kind", ""),
	}
	if n.kind != "" && !validKind(n.kind) {
		return nil, pttflow.NewConfigError("kind", n.kind, "must be group, user or groups")
	}
	return n, nil
}

func validKind(k string) bool {
	return k == LookupGroup || k == LookupUser || k == LookupUserGroups
}

func (n *LookupNode) Start(_ context.Context, rt flow.Runtime) error {
	cn, err := configNode(rt, n.configID)
	if err != nil {
		return err
	}
	n.cfg, n.rt = cn, rt
	return nil
}

func (n *LookupNode) Input(ctx context.Context, m *flow.Msg) error {
	kind := n.kind
	if kind == "" {
		kind = m.Topic
	}
	if !validKind(kind) {
		return pttflow.NewConfigError("kind", kind, "must be group, user or groups")
	}
	id := lookupID(m.Payload)
	if id == "" {
		return pttflow.NewConfigError("id", "", "payload carries no id")
	}

	result, err := withAuth(ctx, n.cfg, func(c *pttflow.Client, a *pttflow.Auth) (any, error) {
		return n.lookup(ctx, c, a, kind, id)
	})

	out := m.Derive(m.Topic, nil)
	out.SetMeta("lookup", kind)
	out.SetMeta("id", id)
	switch {
	case errors.Is(err, pttflow.ErrNotFound):
		out.SetMeta("error", "not found")
		n.rt.Status(flow.Status{Fill: flow.FillYellow, Shape: "ring", Text: kind + " " + id + " not found"})
	case err != nil:
		n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "lookup failed"})
		return fmt.Errorf("lookup %s %s: %w", kind, id, err)
	default:
		out.Payload = result
		n.rt.Status(flow.Status{Fill: flow.FillGreen, Shape: "dot", Text: kind + " " + id})
	}
	n.rt.Send(0, out)
	return nil
}

func (n *LookupNode) lookup(ctx context.Context, c *pttflow.Client, a *pttflow.Auth, kind, id string) (any, error) {
	switch kind {
	case LookupGroup:
		g, err := c.LookupGroup(ctx, a, id)
		if err != nil {
			return nil, err
		}
		return toMap(g), nil
	case LookupUser:
		u, err := c.LookupUser(ctx, a, id)
		if err != nil {
			return nil, err
		}
		return toMap(u), nil
	default:
		groups, err := c.UserGroups(ctx, a, id)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(groups))
		for _, g := range groups {
			out = append(out, toMap(g))
		}
		return out, nil
	}
}

func lookupID(payload any) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]any:
		if id, ok := p["id"].(string); ok {
			return id
		}
	}
	return ""
}

func (n *LookupNode) Close(context.Context) error { return nil }
