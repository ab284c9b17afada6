package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// maxInjectBody caps an inject request body.
const maxInjectBody = 1 << 20

// server exposes a running flow over HTTP: message injection, node health
// and Prometheus metrics.
type server struct {
	engine *flow.Engine
	log    *pttflow.Logger

	mode     string
	issuer   string
	audience string
	verifier *oidc.IDTokenVerifier
	jwks     *keyfunc.JWKS

	allowedOrigins []string
}

type injectRequest struct {
	Topic   string         `json:"topic"`
	Payload any            `json:"payload"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type injectResponse struct {
	MsgID string `json:"_msgid"`
}

type healthResponse struct {
	Running bool            `json:"running"`
	Nodes   []flow.NodeInfo `json:"nodes"`
}

func newServer(ctx context.Context, cfg flow.HTTPConfig, engine *flow.Engine, log *pttflow.Logger) (*server, error) {
	s := &server{
		engine:         engine,
		log:            log,
		mode:           cfg.Auth.Mode,
		issuer:         cfg.Auth.Issuer,
		audience:       cfg.Auth.Audience,
		allowedOrigins: cfg.CORSOrigins,
	}

	switch s.mode {
	case "oidc":
		prov, err := oidc.NewProvider(ctx, s.issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc provider: %w", err)
		}
		s.verifier = prov.Verifier(&oidc.Config{ClientID: s.audience, SkipClientIDCheck: s.audience == ""})
		log.Info("inject_auth_enabled", map[string]any{"mode": "oidc", "issuer": s.issuer, "audience": s.audience})
	case "jwks":
		jwks, err := keyfunc.Get(cfg.Auth.JWKSURL, keyfunc.Options{
			Ctx:             ctx,
			RefreshInterval: time.Hour,
			RefreshTimeout:  10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		s.jwks = jwks
		log.Info("inject_auth_enabled", map[string]any{"mode": "jwks", "jwks_url": cfg.Auth.JWKSURL, "audience": s.audience})
	default:
		log.Warn("inject_auth_disabled", nil)
	}
	if len(s.allowedOrigins) > 0 {
		log.Info("cors_allowed_origins", map[string]any{"origins": s.allowedOrigins})
	}
	return s, nil
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /inject/{node}", s.cors(s.auth(http.HandlerFunc(s.handleInject))))
	mux.Handle("OPTIONS /inject/{node}", s.cors(http.NotFoundHandler()))
	mux.Handle("GET /nodes", s.cors(s.auth(http.HandlerFunc(s.handleNodes))))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.engine.Metrics().Registry, promhttp.HandlerOpts{}))
	return mux
}

// close stops the JWKS refresh goroutine.
func (s *server) close() {
	if s.jwks != nil {
		s.jwks.EndBackground()
	}
}

func (s *server) handleInject(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node")
	var req injectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInjectBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	m := flow.NewMsg(req.Topic, req.Payload)
	m.Meta = req.Meta

	err := s.engine.Inject(nodeID, m)
	switch {
	case errors.Is(err, flow.ErrUnknownNode):
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	case errors.Is(err, flow.ErrInboxFull), errors.Is(err, pttflow.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Error("inject_failed", map[string]any{"node": nodeID, "err": err})
		http.Error(w, "inject failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, injectResponse{MsgID: m.ID})
}

func (s *server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Nodes())
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Running: s.engine.Running(), Nodes: s.engine.Nodes()}
	status := http.StatusOK
	if !resp.Running {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// auth requires a bearer token when an auth mode is configured.
func (s *server) auth(next http.Handler) http.Handler {
	if s.verifier == nil && s.jwks == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			http.Error(w, "missing bearer", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(header[len("Bearer "):])
		if err := s.verify(r.Context(), raw); err != nil {
			s.log.Debug("inject_auth_rejected", map[string]any{"err": err})
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) verify(ctx context.Context, raw string) error {
	if s.verifier != nil {
		_, err := s.verifier.Verify(ctx, raw)
		return err
	}
	var opts []jwt.ParserOption
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.Parse(raw, s.jwks.Keyfunc, opts...)
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("token not valid")
	}
	return nil
}

func (s *server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(s.allowedOrigins) == 0 || contains(s.allowedOrigins, origin) || contains(s.allowedOrigins, "*")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
