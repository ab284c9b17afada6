package nodes

import (
	"context"
	"errors"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// TranscribeNode converts a ptt clip to text. An event map gets a "text"
// field added; a bare URL payload is replaced by the transcript.
type TranscribeNode struct {
	configID string
	language string

	cfg *ConfigNode
	rt  flow.Runtime
}

func newTranscribeNode(cfg flow.Config) (flow.Node, error) {
	return &TranscribeNode{
		configID: cfg.String("config", ""),
		language: cfg.String("language", ""),
	}, nil
}

func (n *TranscribeNode) Start(_ context.Context, rt flow.Runtime) error {
	cn, err := configNode(rt, n.configID)
	if err != nil {
		return err
	}
	n.cfg, n.rt = cn, rt
	return nil
}

func (n *TranscribeNode) Input(ctx context.Context, m *flow.Msg) error {
	url := mediaURL(m.Payload)
	if url == "" {
		return pttflow.NewConfigError("media", "", "payload carries no media URL")
	}
	lang := n.language
	if l, ok := m.Meta["language"].(string); ok && l != "" {
		lang = l
	}

	text, err := withAuth(ctx, n.cfg, func(c *pttflow.Client, a *pttflow.Auth) (string, error) {
		return c.Transcribe(ctx, a, url, lang)
	})
	if err != nil {
		n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "transcribe failed"})
		return err
	}

	var payload any = text
	if _, ok := m.Payload.(map[string]any); ok {
		payload = withField(m.Payload, "text", text)
	}
	n.rt.Status(flow.Status{Fill: flow.FillGreen, Shape: "dot", Text: "transcribed"})
	n.rt.Send(0, m.Derive(m.Topic, payload))
	return nil
}

func (n *TranscribeNode) Close(context.Context) error { return nil }

// TranslateNode translates a string payload, or the "text" field of an
// event map. For maps the source text is kept as "originalText".
type TranslateNode struct {
	configID string
	source   string
	target   string

	cfg *ConfigNode
	rt  flow.Runtime
}

func newTranslateNode(cfg flow.Config) (flow.Node, error) {
	n := &TranslateNode{
		configID: cfg.String("config", ""),
		source:   cfg.String("source", ""),
		target:   cfg.String("target", ""),
	}
	if n.target == "" {
		return nil, pttflow.NewConfigError("target", "", "cannot be empty")
	}
	return n, nil
}

func (n *TranslateNode) Start(_ context.Context, rt flow.Runtime) error {
	cn, err := configNode(rt, n.configID)
	if err != nil {
		return err
	}
	n.cfg, n.rt = cn, rt
	return nil
}

func (n *TranslateNode) Input(ctx context.Context, m *flow.Msg) error {
	var text string
	switch p := m.Payload.(type) {
	case string:
		text = p
	case map[string]any:
		text, _ = p["text"].(string)
	}
	if text == "" {
		return pttflow.NewConfigError("text", "", "payload carries no text")
	}

	translated, err := withAuth(ctx, n.cfg, func(c *pttflow.Client, a *pttflow.Auth) (string, error) {
		return c.Translate(ctx, a, text, n.source, n.target)
	})
	if err != nil {
		n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "translate failed"})
		return err
	}

	var payload any = translated
	if _, ok := m.Payload.(map[string]any); ok {
		p := withField(m.Payload, "text", translated)
		p["originalText"] = text
		payload = p
	}
	out := m.Derive(m.Topic, payload)
	out.SetMeta("language", n.target)
	n.rt.Status(flow.Status{Fill: flow.FillGreen, Shape: "dot", Text: "translated to " + n.target})
	n.rt.Send(0, out)
	return nil
}

func (n *TranslateNode) Close(context.Context) error { return nil }

// withAuth runs op with the shared login, logging in again once if the
// token was rejected.
func withAuth[T any](ctx context.Context, cn *ConfigNode, op func(*pttflow.Client, *pttflow.Auth) (T, error)) (T, error) {
	var zero T
	c, a, err := cn.Auth(ctx)
	if err != nil {
		return zero, err
	}
	v, err := op(c, a)
	if !errors.Is(err, pttflow.ErrUnauthorized) {
		return v, err
	}
	cn.Invalidate(a)
	if c, a, err = cn.Auth(ctx); err != nil {
		return zero, err
	}
	return op(c, a)
}
