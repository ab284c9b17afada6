package flow

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"github.com/enesunal-m/pttflow"
	"gopkg.in/yaml.v3"
)

// Definition is a flow file.
type Definition struct {
	Logging     pttflow.LogOptions `yaml:"logging"`
	HTTP        HTTPConfig         `yaml:"http"`
	Credentials CredentialsConfig  `yaml:"credentials"`
	Nodes       []NodeDef          `yaml:"nodes"`
}

// NodeDef declares one node and its outgoing wires. Wires[i] lists the
// node IDs that receive messages sent on port i.
type NodeDef struct {
	ID     string     `yaml:"id"`
	Type   string     `yaml:"type"`
	Name   string     `yaml:"name,omitempty"`
	Config Config     `yaml:"config,omitempty"`
	Wires  [][]string `yaml:"wires,omitempty"`
}

// HTTPConfig configures the inject/health/metrics server.
type HTTPConfig struct {
	Addr        string     `yaml:"addr"`
	CORSOrigins []string   `yaml:"cors_origins"`
	Auth        AuthConfig `yaml:"auth"`
}

// AuthConfig selects how inject requests are authenticated.
type AuthConfig struct {
	// Mode is "none", "oidc" (ID tokens verified against Issuer) or "jwks"
	// (access tokens verified with keys from JWKSURL).
	Mode     string `yaml:"mode"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwks_url"`
}

// CredentialsConfig selects the credential store.
type CredentialsConfig struct {
	Store    string `yaml:"store"` // "file" (default) or "redis"
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// Load reads and parses a flow file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flow: read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("flow: %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a flow definition. Unknown top-level keys are rejected and
// ${VAR} references in string values are expanded.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse flow: %w", err)
	}
	for i := range def.Nodes {
		if def.Nodes[i].Config != nil {
			def.Nodes[i].Config = expandValue(map[string]any(def.Nodes[i].Config)).(map[string]any)
		}
	}
	for _, f := range []*string{
		&def.Logging.Level, &def.Logging.File,
		&def.HTTP.Addr,
		&def.HTTP.Auth.Mode, &def.HTTP.Auth.Issuer, &def.HTTP.Auth.Audience, &def.HTTP.Auth.JWKSURL,
		&def.Credentials.Store, &def.Credentials.Path, &def.Credentials.RedisURL, &def.Credentials.Prefix,
	} {
		*f = ExpandEnv(*f)
	}
	return &def, nil
}

// Validate checks IDs, types and wiring against reg.
func (d *Definition) Validate(reg *Registry) error {
	if len(d.Nodes) == 0 {
		return pttflow.NewConfigError("nodes", "", "flow has no nodes")
	}
	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			return pttflow.NewConfigError(field+".id", "", "cannot be empty")
		}
		if seen[n.ID] {
			return pttflow.NewConfigError(field+".id", n.ID, "duplicate node id")
		}
		seen[n.ID] = true
		if _, ok := reg.Factory(n.Type); !ok {
			return pttflow.NewConfigError(field+".type", n.Type, "unknown node type")
		}
	}
	for i, n := range d.Nodes {
		for port, targets := range n.Wires {
			for _, t := range targets {
				if !seen[t] {
					return pttflow.NewConfigError(fmt.Sprintf("nodes[%d].wires[%d]", i, port), t, "wired to unknown node")
				}
			}
		}
	}
	switch d.Credentials.Store {
	case "", "file", "redis":
	default:
		return pttflow.NewConfigError("credentials.store", d.Credentials.Store, "must be file or redis")
	}
	if d.Credentials.Store == "redis" && d.Credentials.RedisURL == "" {
		return pttflow.NewConfigError("credentials.redis_url", "", "required for the redis store")
	}
	switch d.HTTP.Auth.Mode {
	case "", "none":
	case "oidc":
		if d.HTTP.Auth.Issuer == "" {
			return pttflow.NewConfigError("http.auth.issuer", "", "required for oidc")
		}
	case "jwks":
		if d.HTTP.Auth.JWKSURL == "" {
			return pttflow.NewConfigError("http.auth.jwks_url", "", "required for jwks")
		}
	default:
		return pttflow.NewConfigError("http.auth.mode", d.HTTP.Auth.Mode, "must be none, oidc or jwks")
	}
	return nil
}

// Node returns the definition of id.
func (d *Definition) Node(id string) (NodeDef, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}. A bare $VAR is left alone
// so jq expressions keep their variables.
func ExpandEnv(s string) string {
	if s == "" {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

func expandValue(v any) any {
	switch t := v.(type) {
	case string:
		return ExpandEnv(t)
	case map[string]any:
		for k, x := range t {
			t[k] = expandValue(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = expandValue(x)
		}
		return t
	default:
		return v
	}
}
