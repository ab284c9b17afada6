package nodes

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
	"golang.org/x/time/rate"
)

// TXNode sends one event per input message to each target group.
//
// The payload is a string (sent as text), []byte (raw PCM16 or WAV audio,
// uploaded and sent as ptt) or a map shaped like an event. A map may carry
// "groupIds" or "groupId" to override the configured groups and "audio"
// ([]byte or base64) to upload before sending.
type TXNode struct {
	configID    string
	groups      []string
	defaultType string
	sampleRate  int

	limiter *rate.Limiter
	breaker *pttflow.CircuitBreaker
	retry   pttflow.RetryConfig

	cfg *ConfigNode
	rt  flow.Runtime
}

func newTXNode(cfg flow.Config) (flow.Node, error) {
	n := &TXNode{
		configID:    cfg.String("config", ""),
		groups:      cfg.Strings("groups"),
		defaultType: cfg.String("event_type", pttflow.EventText),
		sampleRate:  cfg.Int("sample_rate", pttflow.DefaultSampleRate),
	}

	perSecond := cfg.Float("rate", 5)
	if perSecond <= 0 {
		return nil, pttflow.NewConfigError("rate", fmt.Sprint(perSecond), "must be positive")
	}
	burst := cfg.Int("burst", 5)
	if burst < 1 {
		return nil, pttflow.NewConfigError("burst", fmt.Sprint(burst), "must be at least 1")
	}
	n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)

	retryDelay, err := cfg.Duration("retry_delay", 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	n.retry = pttflow.RetryConfig{
		MaxRetries: cfg.Int("retries", 2),
		BaseDelay:  retryDelay,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
		RetryableErrors: func(err error) bool {
			return errors.Is(err, pttflow.ErrUnauthorized) || pttflow.IsRetryable(err)
		},
	}

	recovery, err := cfg.Duration("breaker_timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	n.breaker = pttflow.NewCircuitBreaker(pttflow.CircuitBreakerConfig{
		FailureThreshold: cfg.Int("breaker_failures", 5),
		RecoveryTimeout:  recovery,
		SuccessThreshold: 1,
	})
	return n, nil
}

func (n *TXNode) Start(_ context.Context, rt flow.Runtime) error {
	cn, err := configNode(rt, n.configID)
	if err != nil {
		return err
	}
	n.cfg, n.rt = cn, rt
	return nil
}

func (n *TXNode) Input(ctx context.Context, m *flow.Msg) error {
	ev, groups, audio, err := n.parse(m.Payload)
	if err != nil {
		n.rt.Metrics().TXEvent(n.rt.ID(), "rejected")
		return err
	}
	if len(groups) == 0 {
		n.rt.Metrics().TXEvent(n.rt.ID(), "rejected")
		return pttflow.NewConfigError("groups", "", "no target group in config or payload")
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	client, auth, err := n.cfg.Auth(ctx)
	if err != nil {
		n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "login failed"})
		return err
	}

	if audio != nil {
		url, dur, err := n.upload(ctx, client, auth, audio)
		if err != nil {
			n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "upload failed"})
			return err
		}
		ev.EventType = pttflow.EventPTT
		ev.Media = url
		if ev.Duration == 0 {
			ev.Duration = dur
		}
	}

	var errs []error
	for _, g := range groups {
		sent, err := n.send(ctx, client, auth, g, ev)
		if err != nil {
			n.rt.Metrics().TXEvent(n.rt.ID(), "error")
			errs = append(errs, fmt.Errorf("group %s: %w", g, err))
			continue
		}
		n.rt.Metrics().TXEvent(n.rt.ID(), "ok")
		out := m.Derive("sent", sent.ToMap())
		out.SetMeta("groupId", g)
		n.rt.Send(0, out)
	}

	switch {
	case len(errs) == 0:
		n.rt.Status(flow.Status{Fill: flow.FillGreen, Shape: "dot", Text: "sent " + ev.EventType})
	case n.breaker.State() == pttflow.CircuitOpen:
		n.rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "circuit open"})
	default:
		n.rt.Status(flow.Status{Fill: flow.FillYellow, Shape: "ring", Text: "send failed"})
	}
	return errors.Join(errs...)
}

// send posts ev to one group through the breaker and retry policy,
// logging in again when the shared token is rejected.
func (n *TXNode) send(ctx context.Context, client *pttflow.Client, auth *pttflow.Auth, group string, ev pttflow.Event) (pttflow.Event, error) {
	var sent pttflow.Event
	err := n.breaker.Execute(func() error {
		return pttflow.WithRetry(ctx, n.retry, func() error {
			var err error
			sent, err = client.SendEvent(ctx, auth, group, ev)
			if errors.Is(err, pttflow.ErrUnauthorized) {
				n.cfg.Invalidate(auth)
				if _, fresh, lerr := n.cfg.Auth(ctx); lerr == nil {
					auth = fresh
				}
			}
			return err
		})
	})
	return sent, err
}

func (n *TXNode) upload(ctx context.Context, client *pttflow.Client, auth *pttflow.Auth, audio []byte) (string, float64, error) {
	wav := audio
	if !pttflow.IsWAV(audio) {
		wav = pttflow.WAVFromPCM16Mono(audio, n.sampleRate)
	}
	var dur float64
	if pcm, rate, err := pttflow.PCM16FromWAV(wav); err == nil && rate > 0 {
		dur = float64(len(pcm)) / float64(2*rate)
	}
	var url string
	err := pttflow.WithRetry(ctx, n.retry, func() error {
		var err error
		url, err = client.UploadMedia(ctx, auth, "audio/wav", wav)
		return err
	})
	return url, dur, err
}

func (n *TXNode) parse(payload any) (pttflow.Event, []string, []byte, error) {
	groups := n.groups
	switch p := payload.(type) {
	case string:
		ev := pttflow.Event{EventType: n.defaultType}
		switch n.defaultType {
		case pttflow.EventUserStatus:
			ev.Status = p
		case pttflow.EventPTT:
			ev.Media = p
		case pttflow.EventImage:
			ev.Image = p
		default:
			ev.EventType = pttflow.EventText
			ev.Text = p
		}
		return ev, groups, nil, nil
	case []byte:
		return pttflow.Event{EventType: pttflow.EventPTT}, groups, p, nil
	case map[string]any:
		var audio []byte
		switch a := p["audio"].(type) {
		case []byte:
			audio = a
		case string:
			b, err := base64.StdEncoding.DecodeString(a)
			if err != nil {
				return pttflow.Event{}, nil, nil, pttflow.NewEventError(pttflow.EventPTT, nil, fmt.Errorf("audio is not base64: %w", err))
			}
			audio = b
		}
		rest := make(map[string]any, len(p))
		for k, v := range p {
			if k != "audio" {
				rest[k] = v
			}
		}
		ev, err := pttflow.EventFromMap(rest)
		if err != nil {
			return ev, nil, nil, err
		}
		if ev.EventType == "" {
			ev.EventType = n.defaultType
			if audio != nil {
				ev.EventType = pttflow.EventPTT
			}
		}
		switch {
		case len(ev.GroupIDs) > 0:
			groups = ev.GroupIDs
		case ev.GroupID != "":
			groups = []string{ev.GroupID}
		}
		return ev, groups, audio, nil
	default:
		return pttflow.Event{}, nil, nil, pttflow.NewEventError("unknown", nil, fmt.Errorf("unsupported payload type %T", payload))
	}
}

func (n *TXNode) Close(context.Context) error { return nil }
