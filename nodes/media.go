package nodes

import (
	"context"
	"fmt"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// EncodeNode uploads audio and emits a ptt event map ready for a tx node.
// The payload is PCM16 mono at sample_rate, or a complete WAV file.
type EncodeNode struct {
	configID   string
	sampleRate int

	cfg *ConfigNode
	rt  flow.Runtime
}

func newEncodeNode(cfg flow.Config) (flow.Node, error) {
	n := &EncodeNode{
		configID:   cfg.String("config", ""),
		sampleRate: cfg.Int("sample_rate", pttflow.DefaultSampleRate),
	}
	if n.sampleRate <= 0 {
		return nil, pttflow.NewConfigError("sample_rate", fmt.Sprint(n.sampleRate), "must be positive")
	}
	return n, nil
}

func (n *EncodeNode) Start(_ context.Context, rt flow.Runtime) error {
	cn, err := configNode(rt, n.configID)
	if err != nil {
		return err
	}
	n.cfg, n.rt = cn, rt
	return nil
}

func (n *EncodeNode) Input(ctx context.Context, m *flow.Msg) error {
	audio, ok := m.Payload.([]byte)
	if !ok || len(audio) == 0 {
		return pttflow.NewEventError(pttflow.EventPTT, nil, fmt.Errorf("expected audio bytes, got %T", m.Payload))
	}
	wav := audio
	if !pttflow.IsWAV(audio) {
		wav = pttflow.WAVFromPCM16Mono(audio, n.sampleRate)
	}
	pcm, rate, err := pttflow.PCM16FromWAV(wav)
	if err != nil {
		return err
	}

	url, err := withAuth(ctx, n.cfg, func(c *pttflow.Client, a *pttflow.Auth) (string, error) {
		return c.UploadMedia(ctx, a, "audio/wav", wav)
	})
	if err != nil {
		n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "upload failed"})
		return err
	}

	ev := pttflow.Event{
		EventType: pttflow.EventPTT,
		Media:     url,
		Duration:  float64(len(pcm)) / float64(2*rate),
	}
	n.rt.Status(flow.Status{Fill: flow.FillGreen, Shape: "dot", Text: fmt.Sprintf("%.1fs clip", ev.Duration)})
	n.rt.Send(0, m.Derive(pttflow.EventPTT, ev.ToMap()))
	return nil
}

func (n *EncodeNode) Close(context.Context) error { return nil }

// FetchNode downloads the clip a ptt event (or a bare URL) points at.
// With pcm set, WAV clips are unwrapped to raw PCM16 and the sample rate is
// put in meta["sampleRate"].
type FetchNode struct {
	configID string
	pcm      bool

	cfg *ConfigNode
	rt  flow.Runtime
}

func newFetchNode(cfg flow.Config) (flow.Node, error) {
	return &FetchNode{
		configID: cfg.String("config", ""),
		pcm:      cfg.Bool("pcm", false),
	}, nil
}

func (n *FetchNode) Start(_ context.Context, rt flow.Runtime) error {
	cn, err := configNode(rt, n.configID)
	if err != nil {
		return err
	}
	n.cfg, n.rt = cn, rt
	return nil
}

func (n *FetchNode) Input(ctx context.Context, m *flow.Msg) error {
	url := mediaURL(m.Payload)
	if url == "" {
		return pttflow.NewConfigError("media", "", "payload carries no media URL")
	}
	var contentType string
	data, err := withAuth(ctx, n.cfg, func(c *pttflow.Client, a *pttflow.Auth) ([]byte, error) {
		var data []byte
		var err error
		data, contentType, err = c.FetchMedia(ctx, a, url)
		return data, err
	})
	if err != nil {
		n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "fetch failed"})
		return err
	}

	out := m.Derive(m.Topic, data)
	out.SetMeta("media", url)
	out.SetMeta("contentType", contentType)
	if n.pcm && pttflow.IsWAV(data) {
		pcm, rate, err := pttflow.PCM16FromWAV(data)
		if err != nil {
			return err
		}
		out.Payload = pcm
		out.SetMeta("sampleRate", rate)
	}
	n.rt.Status(flow.Status{Fill: flow.FillGreen, Shape: "dot", Text: fmt.Sprintf("%d bytes", len(data))})
	n.rt.Send(0, out)
	return nil
}

func (n *FetchNode) Close(context.Context) error { return nil }
