// Package ptttest provides an in-memory PTT service for tests: REST
// endpoints, token issuance and a websocket event stream.
package ptttest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

var signingKey = []byte("ptttest-signing-key")

// Event mirrors the wire shape of a stream event.
type Event map[string]any

// Server simulates the PTT service.
type Server struct {
	t      *testing.T
	server *httptest.Server

	// TokenTTL is the lifetime of issued tokens. Zero means one hour.
	TokenTTL time.Duration

	mu        sync.Mutex
	users     map[string]user // by username
	groups    map[string]Group
	tokens    map[string]string // token → user id
	engaged   map[string][]string
	streams   map[*websocket.Conn]string // conn → user id
	failures  map[string][]int           // "METHOD path" → queued statuses
	media     map[string][]byte
	sent      []Event
	pongs     int
	counts    map[string]int
	streamErr int // reject next n stream handshakes with 503
}

type user struct {
	id       string
	name     string
	password string
}

// Group is a directory entry served by the mock.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

// NewServer starts a mock service with one user ("alice"/"secret", id
// "u-alice") and one group ("g1").
func NewServer(t *testing.T) *Server {
	s := &Server{
		t:        t,
		users:    map[string]user{"alice": {id: "u-alice", name: "Alice", password: "secret"}},
		groups:   map[string]Group{"g1": {ID: "g1", Name: "Dispatch", Members: []string{"u-alice"}}},
		tokens:   make(map[string]string),
		engaged:  make(map[string][]string),
		streams:  make(map[*websocket.Conn]string),
		failures: make(map[string][]int),
		media:    make(map[string][]byte),
		counts:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.authed(s.handleLogout))
	mux.HandleFunc("POST /engage", s.authed(s.handleEngage))
	mux.HandleFunc("GET /groups/{id}", s.authed(s.handleGroup))
	mux.HandleFunc("GET /users/{id}", s.authed(s.handleUser))
	mux.HandleFunc("GET /users/{id}/groups", s.authed(s.handleUserGroups))
	mux.HandleFunc("POST /groups/{id}/events", s.authed(s.handleSend))
	mux.HandleFunc("POST /media", s.authed(s.handleUpload))
	mux.HandleFunc("GET /media/{id}", s.authed(s.handleMedia))
	mux.HandleFunc("POST /speech/transcribe", s.authed(s.handleTranscribe))
	mux.HandleFunc("POST /speech/translate", s.authed(s.handleTranslate))
	mux.HandleFunc("GET /stream", s.handleStream)

	s.server = httptest.NewServer(s.injectFailures(mux))
	t.Cleanup(s.Close)
	return s
}

// URL returns the REST base URL.
func (s *Server) URL() string { return s.server.URL }

// Close shuts down the server and all streams.
func (s *Server) Close() {
	s.DropStreams()
	s.server.Close()
}

// AddUser registers another account.
func (s *Server) AddUser(username, password, id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = user{id: id, name: name, password: password}
}

// AddGroup registers another group.
func (s *Server) AddGroup(g Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

// FailNext makes the next len(statuses) requests to "METHOD /path" return
// the given statuses.
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// RejectStreams makes the next n stream handshakes fail with 503.
func (s *Server) RejectStreams(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamErr += n
}

// IssueToken returns a valid token for user id, expiring after ttl.
func (s *Server) IssueToken(userID string, ttl time.Duration) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().UnixNano(),
	}).SignedString(signingKey)
	if err != nil {
		s.t.Fatalf("sign token: %v", err)
	}
	s.mu.Lock()
	s.tokens[tok] = userID
	s.mu.Unlock()
	return tok
}

// RevokeAll invalidates every issued token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// Push delivers an event to every stream whose user engaged the event's group.
// Events without a groupId go to every stream.
func (s *Server) Push(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.t.Errorf("marshal event: %v", err)
		return
	}
	group, _ := e["groupId"].(string)

	s.mu.Lock()
	var targets []*websocket.Conn
	for c, uid := range s.streams {
		if group == "" || contains(s.engaged[uid], group) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

// PushRaw writes raw text to every stream.
func (s *Server) PushRaw(data string) {
	s.mu.Lock()
	var targets []*websocket.Conn
	for c := range s.streams {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.Write(ctx, websocket.MessageText, []byte(data))
		cancel()
	}
}

// DropStreams closes every open stream with a going-away status.
func (s *Server) DropStreams() {
	s.CloseStreams(websocket.StatusGoingAway, "server restart")
}

// CloseStreams closes every open stream with the given status.
func (s *Server) CloseStreams(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.streams))
	for c := range s.streams {
		conns = append(conns, c)
	}
	s.streams = make(map[*websocket.Conn]string)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}

// Count returns how often a route was served ("login", "engage", "stream", ...).
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// OpenStreams returns the number of connected streams.
func (s *Server) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Sent returns the events clients posted.
func (s *Server) Sent() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.sent...)
}

// Pongs returns how many pong events clients sent on streams.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// Engaged returns the groups a user engaged most recently.
func (s *Server) Engaged(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.engaged[userID]...)
}

// Media returns an uploaded clip by the URL handed to the client.
func (s *Server) Media(url string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media[url[strings.LastIndex(url, "/")+1:]]
}

func (s *Server) bump(name string) {
	s.mu.Lock()
	s.counts[name]++
	s.mu.Unlock()
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		s.mu.Lock()
		queued := s.failures[route]
		status := 0
		if len(queued) > 0 {
			status, s.failures[route] = queued[0], queued[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			http.Error(w, "injected failure", status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userFor(r *http.Request) (string, bool) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return "", false
	}
	s.mu.Lock()
	uid, ok := s.tokens[raw]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	if _, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return signingKey, nil }); err != nil {
		return "", false
	}
	return uid, true
}

func (s *Server) authed(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.userFor(r)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h(w, r, uid)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.bump("login")
	var req struct {
		UID      string `json:"uid"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	u, ok := s.users[req.UID]
	ttl := s.TokenTTL
	s.mu.Unlock()
	if !ok || u.password != req.Password {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	writeJSON(w, map[string]string{"token": s.IssueToken(u.id, ttl), "id": u.id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("logout")
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.tokens, raw)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request, uid string) {
	s.bump("engage")
	var req struct {
		GroupIDs []string `json:"groupIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.GroupIDs) == 0 {
		http.Error(w, "groupIds required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, g := range req.GroupIDs {
		if _, ok := s.groups[g]; !ok {
			s.mu.Unlock()
			http.Error(w, "unknown group "+g, http.StatusNotFound)
			return
		}
	}
	s.engaged[uid] = req.GroupIDs
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("group")
	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such group", http.StatusNotFound)
		return
	}
	writeJSON(w, g)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("user")
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.id == id {
			writeJSON(w, map[string]any{"id": u.id, "name": u.name, "status": "available"})
			return
		}
	}
	http.Error(w, "no such user", http.StatusNotFound)
}

func (s *Server) handleUserGroups(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("user_groups")
	id := r.PathValue("id")
	s.mu.Lock()
	out := []Group{}
	for _, g := range s.groups {
		if contains(g.Members, id) {
			out = append(out, g)
		}
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, uid string) {
	s.bump("send")
	var e Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	group := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.groups[group]
	if ok {
		e["groupId"] = group
		if e["sender"] == nil {
			e["sender"] = uid
		}
		s.sent = append(s.sent, e)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such group", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	go s.Push(e)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("upload")
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		http.Error(w, "empty media", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	id := fmt.Sprintf("m%d", len(s.media)+1)
	s.media[id] = data
	s.mu.Unlock()
	writeJSON(w, map[string]string{"url": s.server.URL + "/media/" + id})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("media")
	s.mu.Lock()
	data, ok := s.media[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such media", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(data)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("transcribe")
	var req struct {
		Media    string `json:"media"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Media == "" {
		http.Error(w, "media required", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"text": "transcript of " + req.Media[strings.LastIndex(req.Media, "/")+1:], "language": req.Language})
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request, _ string) {
	s.bump("translate")
	var req struct {
		Text   string `json:"text"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		http.Error(w, "target required", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"text": "[" + req.Target + "] " + req.Text})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.bump("stream")
	s.mu.Lock()
	reject := s.streamErr > 0
	if reject {
		s.streamErr--
	}
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	uid, ok := s.userFor(r)
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.t.Errorf("failed to upgrade to websocket: %v", err)
		return
	}
	s.mu.Lock()
	s.streams[conn] = uid
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, conn)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var env struct {
			EventType string `json:"eventType"`
		}
		if json.Unmarshal(data, &env) == nil && env.EventType == "pong" {
			s.mu.Lock()
			s.pongs++
			s.mu.Unlock()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
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

// Eventually polls cond until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
