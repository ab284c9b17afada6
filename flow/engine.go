package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/enesunal-m/pttflow"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownNode is returned by Inject for an ID not in the flow.
var ErrUnknownNode = errors.New("flow: unknown node")

// ErrInboxFull is returned by Inject when the target did not accept the
// message within the send timeout.
var ErrInboxFull = errors.New("flow: node inbox full")

// Options configures an Engine.
type Options struct {
	Registry    *Registry
	Credentials CredentialStore
	Logger      *pttflow.Logger
	Metrics     *Metrics

	// InboxSize is the per-node queue length. Default: 64.
	InboxSize int
	// SendTimeout is how long Send waits on a full inbox before dropping.
	// Default: 1 second.
	SendTimeout time.Duration
}

// Engine runs one flow.
type Engine struct {
	def  *Definition
	opts Options
	log  *pttflow.Logger

	nodes map[string]*nodeRuntime
	order []*nodeRuntime

	mu      sync.RWMutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    <-chan struct{}
	loops   sync.WaitGroup
}

// NodeInfo describes a node for health output.
type NodeInfo struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Status Status `json:"status"`
}

// NewEngine validates def and builds every node. Nothing is started.
func NewEngine(ctx context.Context, def *Definition, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, pttflow.NewConfigError("Registry", "", "cannot be nil")
	}
	if err := def.Validate(opts.Registry); err != nil {
		return nil, err
	}
	if opts.Credentials == nil {
		opts.Credentials = NewMemoryStore(nil)
	}
	if opts.Logger == nil {
		opts.Logger = pttflow.DefaultLogger
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics("pttflow")
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = time.Second
	}

	e := &Engine{
		def:   def,
		opts:  opts,
		log:   opts.Logger.Named("flow"),
		nodes: make(map[string]*nodeRuntime, len(def.Nodes)),
	}
	for _, nd := range def.Nodes {
		factory, _ := opts.Registry.Factory(nd.Type)
		cfg := nd.Config
		if cfg == nil {
			cfg = Config{}
		}
		node, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("flow: build node %s (%s): %w", nd.ID, nd.Type, err)
		}
		creds, err := opts.Credentials.Get(ctx, nd.ID)
		if err != nil {
			return nil, fmt.Errorf("flow: credentials for %s: %w", nd.ID, err)
		}
		rt := &nodeRuntime{
			engine: e,
			def:    nd,
			node:   node,
			creds:  creds,
			inbox:  make(chan *Msg, opts.InboxSize),
			log:    opts.Logger.Named(nd.Type).WithContext(map[string]any{"node": nd.ID}),
		}
		e.nodes[nd.ID] = rt
		e.order = append(e.order, rt)
	}
	return e, nil
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.opts.Metrics }

// Start starts the input loops, then every node. If any node fails to start
// the ones already started are closed and the error is returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return pttflow.ErrClosed
	}
	if e.running {
		e.mu.Unlock()
		return errors.New("flow: engine already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = runCtx.Done()
	e.running = true
	e.mu.Unlock()

	for _, n := range e.order {
		e.loops.Add(1)
		go n.loop(runCtx)
	}

	var g errgroup.Group
	started := make([]bool, len(e.order))
	for i, n := range e.order {
		g.Go(func() error {
			if err := n.node.Start(runCtx, n); err != nil {
				return fmt.Errorf("flow: start %s (%s): %w", n.def.ID, n.def.Type, err)
			}
			started[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.shutdown(context.Background(), started)
		return err
	}
	e.log.Info("flow_started", map[string]any{"nodes": len(e.order)})
	return nil
}

// Close stops delivery and closes nodes in reverse definition order.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	wasRunning := e.running
	e.mu.Unlock()

	started := make([]bool, len(e.order))
	for i := range started {
		started[i] = wasRunning
	}
	err := e.shutdown(ctx, started)
	e.log.Info("flow_stopped", map[string]any{"err": err})
	return err
}

func (e *Engine) shutdown(ctx context.Context, started []bool) error {
	e.mu.Lock()
	e.closed = true
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.loops.Wait()

	var errs []error
	for i := len(e.order) - 1; i >= 0; i-- {
		if !started[i] {
			continue
		}
		n := e.order[i]
		if err := n.node.Close(ctx); err != nil {
			n.log.Error("node_close_failed", map[string]any{"err": err})
			errs = append(errs, fmt.Errorf("flow: close %s: %w", n.def.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Inject delivers m to a node's input from outside the flow.
func (e *Engine) Inject(nodeID string, m *Msg) error {
	n, ok := e.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if m.ID == "" {
		m.ID = NewMsg("", nil).ID
	}
	return e.deliver(n, m)
}

// Node returns a built node by ID.
func (e *Engine) Node(id string) (Node, bool) {
	n, ok := e.nodes[id]
	if !ok {
		return nil, false
	}
	return n.node, true
}

// Nodes lists all nodes with their current status.
func (e *Engine) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(e.order))
	for _, n := range e.order {
		out = append(out, NodeInfo{ID: n.def.ID, Type: n.def.Type, Name: n.def.Name, Status: n.currentStatus()})
	}
	return out
}

// Running reports whether Start succeeded and Close has not been called.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) deliver(n *nodeRuntime, m *Msg) error {
	e.mu.RLock()
	running, done := e.running, e.done
	e.mu.RUnlock()
	if !running {
		return pttflow.ErrClosed
	}

	select {
	case n.inbox <- m:
		e.opts.Metrics.Routed(n.def.ID)
		return nil
	default:
	}
	t := time.NewTimer(e.opts.SendTimeout)
	defer t.Stop()
	select {
	case n.inbox <- m:
		e.opts.Metrics.Routed(n.def.ID)
		return nil
	case <-done:
		return pttflow.ErrClosed
	case <-t.C:
		e.opts.Metrics.Dropped(n.def.ID)
		n.log.Warn("message_dropped", map[string]any{"msg_id": m.ID, "reason": "inbox full"})
		return ErrInboxFull
	}
}

// nodeRuntime is the Runtime handed to one node, plus its inbox.
type nodeRuntime struct {
	engine *Engine
	def    NodeDef
	node   Node
	creds  map[string]string
	inbox  chan *Msg
	log    *pttflow.Logger

	statusMu sync.Mutex
	status   Status
}

func (n *nodeRuntime) ID() string                     { return n.def.ID }
func (n *nodeRuntime) Credentials() map[string]string { return n.creds }
func (n *nodeRuntime) Logger() *pttflow.Logger        { return n.log }
func (n *nodeRuntime) Metrics() *Metrics              { return n.engine.opts.Metrics }

func (n *nodeRuntime) Lookup(id string) (Node, bool) { return n.engine.Node(id) }

func (n *nodeRuntime) Send(port int, m *Msg) {
	if m == nil || port < 0 || port >= len(n.def.Wires) {
		return
	}
	targets := n.def.Wires[port]
	for i, id := range targets {
		target := n.engine.nodes[id]
		out := m
		if len(targets) > 1 && i < len(targets)-1 {
			out = m.Clone()
		}
		_ = n.engine.deliver(target, out)
	}
}

func (n *nodeRuntime) Status(s Status) {
	n.statusMu.Lock()
	n.status = s
	n.statusMu.Unlock()
	n.engine.opts.Metrics.NodeStatus(n.def.ID, n.def.Type, s)
	n.log.Debug("node_status", map[string]any{"fill": s.Fill, "text": s.Text})
}

func (n *nodeRuntime) currentStatus() Status {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()
	return n.status
}

func (n *nodeRuntime) loop(ctx context.Context) {
	defer n.engine.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-n.inbox:
			n.handle(ctx, m)
		}
	}
}

func (n *nodeRuntime) handle(ctx context.Context, m *Msg) {
	defer func() {
		if r := recover(); r != nil {
			n.engine.opts.Metrics.Errored(n.def.ID)
			n.log.Error("node_input_panic", map[string]any{"msg_id": m.ID, "panic": fmt.Sprint(r)})
		}
	}()
	if err := n.node.Input(ctx, m); err != nil {
		n.engine.opts.Metrics.Errored(n.def.ID)
		n.log.Error("node_input_failed", map[string]any{"msg_id": m.ID, "topic": m.Topic, "err": err})
	}
}
