package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/enesunal-m/pttflow"
)

// Node is one vertex of a flow.
type Node interface {
	// Start is called once before any input is delivered. Long-running work
	// must be started in a goroutine that ends when ctx is done or Close is
	// called.
	Start(ctx context.Context, rt Runtime) error
	// Input handles one message. Returned errors are logged and counted.
	Input(ctx context.Context, m *Msg) error
	// Close releases resources. It is called in reverse start order.
	Close(ctx context.Context) error
}

// Runtime is the node's view of the engine.
type Runtime interface {
	ID() string
	// Send routes m to every node wired to port. It never blocks longer
	// than the engine's send timeout.
	Send(port int, m *Msg)
	Status(s Status)
	// Credentials returns the node's secrets with ${ENV} references expanded.
	Credentials() map[string]string
	// Lookup returns another node of the same flow, typically a config node.
	Lookup(id string) (Node, bool)
	Logger() *pttflow.Logger
	Metrics() *Metrics
}

// Status is the badge a node shows for its current state.
type Status struct {
	Fill  string `json:"fill,omitempty"`  // green, yellow, red or grey
	Shape string `json:"shape,omitempty"` // dot or ring
	Text  string `json:"text,omitempty"`
}

// Status fills.
const (
	FillGreen  = "green"
	FillYellow = "yellow"
	FillRed    = "red"
	FillGrey   = "grey"
)

// Config is a node's configuration block from the flow file.
type Config map[string]any

// String returns the string under key, or def.
func (c Config) String(key, def string) string {
	if s, ok := c[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Int returns the integer under key, or def. YAML numbers may arrive as
// int or float64.
func (c Config) Int(key string, def int) int {
	switch n := c[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Float returns the number under key, or def.
func (c Config) Float(key string, def float64) float64 {
	switch n := c[key].(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return def
}

// Bool returns the bool under key, or def.
func (c Config) Bool(key string, def bool) bool {
	if b, ok := c[key].(bool); ok {
		return b
	}
	return def
}

// Duration parses a Go duration string ("30s") or a number of seconds.
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	switch v := c[key].(type) {
	case nil:
		return def, nil
	case string:
		if v == "" {
			return def, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, pttflow.NewConfigError(key, v, "invalid duration")
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, pttflow.NewConfigError(key, fmt.Sprint(v), "invalid duration")
	}
}

// Strings returns a list under key. A single string becomes a one-element
// list and comma separated values are not split.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Factory builds a node from its config block.
type Factory func(cfg Config) (Node, error)

// Registry maps node type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a node type. Registering the same type twice panics.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[typ]; dup {
		panic("flow: node type registered twice: " + typ)
	}
	r.factories[typ] = f
}

// Factory returns the factory for typ.
func (r *Registry) Factory(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types lists registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
