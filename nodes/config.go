// Package nodes implements the flow node types that talk to the PTT
// service, plus a few host utility nodes.
package nodes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// Node type names.
const (
	TypeConfig     = "ptt-config"
	TypeRX         = "ptt-rx"
	TypeTX         = "ptt-tx"
	TypeLookup     = "ptt-lookup"
	TypeEncode     = "ptt-encode"
	TypeFetch      = "ptt-fetch"
	TypeTranscribe = "ptt-transcribe"
	TypeTranslate  = "ptt-translate"
	TypeJQ         = "jq"
	TypeDebug      = "debug"
)

// authSkew is how early the shared login is renewed.
const authSkew = 30 * time.Second

// ConfigNode holds the service client and one shared login for the nodes
// that reference it. Credentials come from the credential store:
// "token", or "username" and "password".
type ConfigNode struct {
	api            string
	stream         string
	username       string
	requestTimeout time.Duration
	dialTimeout    time.Duration

	ready    chan struct{}
	startErr error
	client   *pttflow.Client
	log      *pttflow.Logger

	mu   sync.Mutex
	auth *pttflow.Auth
}

func newConfigNode(cfg flow.Config) (flow.Node, error) {
	n := &ConfigNode{
		api:      cfg.String("api", ""),
		stream:   cfg.String("stream", ""),
		username: cfg.String("username", ""),
		ready:    make(chan struct{}),
	}
	if n.api == "" {
		return nil, pttflow.NewConfigError("api", "", "cannot be empty")
	}
	var err error
	if n.requestTimeout, err = cfg.Duration("request_timeout", 0); err != nil {
		return nil, err
	}
	if n.dialTimeout, err = cfg.Duration("dial_timeout", 0); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *ConfigNode) Start(_ context.Context, rt flow.Runtime) error {
	defer close(n.ready)
	n.log = rt.Logger()

	creds := rt.Credentials()
	var cred pttflow.Credential
	if tok := creds["token"]; tok != "" {
		cred = pttflow.Token(tok)
	} else {
		user := creds["username"]
		if user == "" {
			user = n.username
		}
		cred = pttflow.Password{Username: user, Password: creds["password"]}
	}

	n.client, n.startErr = pttflow.New(pttflow.Config{
		APIEndpoint:      n.api,
		StreamEndpoint:   n.stream,
		Credential:       cred,
		RequestTimeout:   n.requestTimeout,
		DialTimeout:      n.dialTimeout,
		StructuredLogger: rt.Logger(),
	})
	if n.startErr != nil {
		rt.Status(flow.Status{Fill: flow.FillRed, Shape: "ring", Text: "invalid config"})
		return n.startErr
	}
	rt.Status(flow.Status{Fill: flow.FillGrey, Shape: "dot", Text: "ready"})
	return nil
}

// Client waits for the node to start and returns its client.
func (n *ConfigNode) Client(ctx context.Context) (*pttflow.Client, error) {
	select {
	case <-n.ready:
		return n.client, n.startErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Auth returns the shared login, logging in on first use and again when
// the token is about to expire or was invalidated.
func (n *ConfigNode) Auth(ctx context.Context) (*pttflow.Client, *pttflow.Auth, error) {
	c, err := n.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.auth != nil && !n.auth.Expired(authSkew) {
		return c, n.auth, nil
	}
	a, err := c.Login(ctx)
	if err != nil {
		return nil, nil, err
	}
	n.auth = a
	return c, a, nil
}

// Invalidate drops the shared login if it is still a; the next Auth call
// logs in again.
func (n *ConfigNode) Invalidate(a *pttflow.Auth) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.auth == a {
		n.auth = nil
	}
}

func (n *ConfigNode) Input(context.Context, *flow.Msg) error { return nil }

func (n *ConfigNode) Close(ctx context.Context) error {
	n.mu.Lock()
	a := n.auth
	n.auth = nil
	n.mu.Unlock()
	if a == nil || n.client == nil {
		return nil
	}
	if err := n.client.Logout(ctx, a); err != nil {
		n.log.Warn("logout_failed", map[string]any{"err": err})
	}
	return nil
}

// configNode resolves the ptt-config node a node's "config" key names.
func configNode(rt flow.Runtime, id string) (*ConfigNode, error) {
	if id == "" {
		return nil, pttflow.NewConfigError("config", "", "must name a "+TypeConfig+" node")
	}
	node, ok := rt.Lookup(id)
	if !ok {
		return nil, pttflow.NewConfigError("config", id, "no such node")
	}
	cn, ok := node.(*ConfigNode)
	if !ok {
		return nil, pttflow.NewConfigError("config", id, fmt.Sprintf("is not a %s node", TypeConfig))
	}
	return cn, nil
}
