package nodes

import (
	"context"
	"errors"
	"sync"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// RXNode streams events of the configured groups into the flow.
// Port 0 carries events (topic = event type), port 1 session state changes.
type RXNode struct {
	configID string
	rxCfg    pttflow.RXConfig

	mu      sync.Mutex
	session *pttflow.RXSession
	cancel  context.CancelFunc
	done    chan struct{}
}

func newRXNode(cfg flow.Config) (flow.Node, error) {
	n := &RXNode{
		configID: cfg.String("config", ""),
		rxCfg: pttflow.RXConfig{
			Groups:     cfg.Strings("groups"),
			Verbosity:  cfg.String("verbosity", pttflow.VerbosityActive),
			EventTypes: cfg.Strings("event_types"),
			IgnoreSelf: cfg.Bool("ignore_self", false),
		},
	}
	var err error
	if n.rxCfg.EngageInterval, err = cfg.Duration("engage_interval", 0); err != nil {
		return nil, err
	}
	if n.rxCfg.StableAfter, err = cfg.Duration("stable_after", 0); err != nil {
		return nil, err
	}
	if n.rxCfg.PingInterval, err = cfg.Duration("ping_interval", 0); err != nil {
		return nil, err
	}
	retryDelay, err := cfg.Duration("retry_delay", 0)
	if err != nil {
		return nil, err
	}
	// max_retries < 0 (the default) reconnects forever
	if maxRetries := cfg.Int("max_retries", -1); maxRetries >= 0 || retryDelay > 0 {
		r := pttflow.DefaultRetryConfig()
		r.MaxRetries = maxRetries
		r.RetryableErrors = nil
		if retryDelay > 0 {
			r.BaseDelay = retryDelay
		}
		n.rxCfg.Retry = r
	}
	if err := pttflow.ValidateRXConfig(n.rxCfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *RXNode) Start(ctx context.Context, rt flow.Runtime) error {
	cn, err := configNode(rt, n.configID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.done = make(chan struct{})
	n.mu.Unlock()

	rt.Status(flow.Status{Fill: flow.FillGrey, Shape: "ring", Text: "starting"})
	go n.run(runCtx, rt, cn)
	return nil
}

func (n *RXNode) run(ctx context.Context, rt flow.Runtime, cn *ConfigNode) {
	defer close(n.done)
	log := rt.Logger()

	client, err := cn.Client(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: err.Error()})
		}
		return
	}

	s := pttflow.NewRXSession(client, n.rxCfg)
	s.OnEvent(func(e pttflow.Event) {
		m := flow.NewMsg(e.EventType, e.ToMap())
		m.SetMeta("groupId", e.GroupID)
		if e.Sender != "" {
			m.SetMeta("sender", e.Sender)
		}
		rt.Metrics().RXEvent(rt.ID(), e.EventType)
		rt.Send(0, m)
	})
	s.OnState(func(st pttflow.State, err error) {
		rt.Metrics().RXState(rt.ID(), int(st))
		rt.Status(statusFor(st, err))
		payload := map[string]any{"state": st.String()}
		if err != nil {
			payload["error"] = err.Error()
		}
		rt.Send(1, flow.NewMsg("state", payload))
	})

	n.mu.Lock()
	n.session = s
	n.mu.Unlock()

	if err := s.Run(ctx); err != nil {
		log.Error("rx_stopped", map[string]any{"err": err})
		rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "stopped: " + err.Error()})
	}
}

func statusFor(st pttflow.State, err error) flow.Status {
	switch st {
	case pttflow.StateStreaming:
		return flow.Status{Fill: flow.FillGreen, Shape: "dot", Text: "connected"}
	case pttflow.StateReconnecting:
		text := "reconnecting"
		if errors.Is(err, pttflow.ErrUnauthorized) {
			text = "reconnecting: unauthorized"
		}
		return flow.Status{Fill: flow.FillYellow, Shape: "ring", Text: text}
	case pttflow.StateClosed:
		return flow.Status{Fill: flow.FillGrey, Shape: "ring", Text: "closed"}
	default:
		return flow.Status{Fill: flow.FillYellow, Shape: "dot", Text: st.String()}
	}
}

// Input is unused; rx nodes only emit.
func (n *RXNode) Input(context.Context, *flow.Msg) error { return nil }

func (n *RXNode) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel, done, s := n.cancel, n.done, n.session
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if s != nil {
		_ = s.Close()
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
