// Package testhub is an in-process ticketing backend for tests. It issues
// JWTs on login and refresh, revokes them on logout, and runs the realtime
// WebSocket endpoint, recording every frame clients send.
package testhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/deskline/pkg/protocol"
)

// SocketPath is where the realtime endpoint is mounted.
const SocketPath = "/socket"

var errUnauthorized = errors.New("unauthorized")

// Claims are the JWT claims the hub issues.
type Claims struct {
	UserID    string `json:"uid"`
	CompanyID string `json:"cid"`
	jwt.RegisteredClaims
}

type user struct {
	protocol.User
	passwordHash []byte
}

// Hub is a running fake backend. Create one with Start and stop it with Close.
type Hub struct {
	secret []byte
	logger *slog.Logger
	srv    *httptest.Server

	mu            sync.Mutex
	ttl           time.Duration
	users         map[string]*user // by email
	revoked       map[string]bool
	refreshDelay  time.Duration
	rejectRefresh bool
	refreshCalls  int
	logoutCalls   int
	dials         []url.Values
	frames        []protocol.Envelope
	sockets       map[*socket]struct{}
	connected     chan struct{}
}

type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *socket) send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Start launches a hub on a local port.
func Start(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Hub{
		secret:    []byte("testhub-secret-at-least-32-chars-long"),
		logger:    logger.With("component", "testhub"),
		ttl:       time.Hour,
		users:     make(map[string]*user),
		revoked:   make(map[string]bool),
		sockets:   make(map[*socket]struct{}),
		connected: make(chan struct{}, 64),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Post(protocol.PathLogin, h.handleLogin)
	mux.Post(protocol.PathRefreshToken, h.handleRefresh)
	mux.Delete(protocol.PathLogout, h.handleLogout)
	mux.With(h.authMiddleware).Get("/api/me", h.handleMe)
	mux.Get(SocketPath, h.handleSocket)

	h.srv = httptest.NewServer(mux)
	return h
}

// Close drops every socket and stops the server.
func (h *Hub) Close() {
	h.DropAll(false)
	h.srv.Close()
}

// URL is the REST base URL.
func (h *Hub) URL() string { return h.srv.URL }

// SocketURL is the realtime endpoint URL.
func (h *Hub) SocketURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + SocketPath
}

// AddUser registers a user that can log in with email and password.
func (h *Hub) AddUser(email, password, companyID, userID string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[email] = &user{
		User: protocol.User{
			ID:        protocol.ID(userID),
			CompanyID: protocol.ID(companyID),
			Name:      strings.Split(email, "@")[0],
			Email:     email,
		},
		passwordHash: hash,
	}
	return nil
}

// SetTokenTTL changes the lifetime of tokens issued from now on.
func (h *Hub) SetTokenTTL(d time.Duration) {
	h.mu.Lock()
	h.ttl = d
	h.mu.Unlock()
}

// SetRefreshDelay delays every refresh response.
func (h *Hub) SetRefreshDelay(d time.Duration) {
	h.mu.Lock()
	h.refreshDelay = d
	h.mu.Unlock()
}

// RejectRefresh makes refresh calls fail with 401.
func (h *Hub) RejectRefresh(reject bool) {
	h.mu.Lock()
	h.rejectRefresh = reject
	h.mu.Unlock()
}

// IssueToken signs a token for the user with the given email.
func (h *Hub) IssueToken(email string, ttl time.Duration) (string, error) {
	h.mu.Lock()
	u, ok := h.users[email]
	h.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %q", email)
	}
	return h.sign(u, ttl)
}

// RefreshCalls returns how many refresh requests arrived.
func (h *Hub) RefreshCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshCalls
}

// LogoutCalls returns how many logout requests arrived.
func (h *Hub) LogoutCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logoutCalls
}

// Dials returns the query of every accepted socket, in order.
func (h *Hub) Dials() []url.Values {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]url.Values(nil), h.dials...)
}

// Frames returns every frame clients sent, in arrival order.
func (h *Hub) Frames() []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Envelope(nil), h.frames...)
}

// Connected receives a value for every accepted socket.
func (h *Hub) Connected() <-chan struct{} { return h.connected }

// Broadcast sends one frame to every connected socket.
func (h *Hub) Broadcast(event string, args ...any) error {
	env, err := protocol.NewEnvelope(event, args...)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.Lock()
	sockets := make([]*socket, 0, len(h.sockets))
	for s := range h.sockets {
		sockets = append(sockets, s)
	}
	h.mu.Unlock()

	var errs []error
	for _, s := range sockets {
		errs = append(errs, s.send(data))
	}
	return errors.Join(errs...)
}

// DropAll disconnects every socket. With serverClose a close frame is sent
// first, otherwise the TCP connection is cut.
func (h *Hub) DropAll(serverClose bool) {
	h.mu.Lock()
	sockets := h.sockets
	h.sockets = make(map[*socket]struct{})
	h.mu.Unlock()

	for s := range sockets {
		if serverClose {
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseServiceRestart, "restart"),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
		}
		_ = s.conn.Close()
	}
}

func (h *Hub) sign(u *user, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    u.ID.String(),
		CompanyID: u.CompanyID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        fmt.Sprintf("%d", now.UnixNano()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

// parse validates tokenStr. allowExpired accepts expired tokens with a
// valid signature, which is what the refresh endpoint needs.
func (h *Hub) parse(tokenStr string, allowExpired bool) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return h.secret, nil
	}, opts...)
	if err != nil {
		return nil, errUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errUnauthorized
	}

	h.mu.Lock()
	revoked := h.revoked[tokenStr]
	h.mu.Unlock()
	if revoked {
		return nil, errUnauthorized
	}
	return claims, nil
}

func (h *Hub) userByID(id string) *user {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.users {
		if u.ID.String() == id {
			return u
		}
	}
	return nil
}

func bearer(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return v[len("Bearer "):]
	}
	return ""
}

func (h *Hub) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.parse(bearer(r), false); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Hub) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.mu.Lock()
	u := h.users[req.Email]
	ttl := h.ttl
	h.mu.Unlock()
	if u == nil || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.writeToken(w, u, ttl)
}

func (h *Hub) handleRefresh(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.refreshCalls++
	delay, reject, ttl := h.refreshDelay, h.rejectRefresh, h.ttl
	h.mu.Unlock()

	time.Sleep(delay)
	if reject {
		writeError(w, http.StatusUnauthorized, "refresh rejected")
		return
	}

	claims, err := h.parse(bearer(r), true)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	u := h.userByID(claims.UserID)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	h.writeToken(w, u, ttl)
}

func (h *Hub) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.logoutCalls++
	if tok := bearer(r); tok != "" {
		h.revoked[tok] = true
	}
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := h.parse(bearer(r), false)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	u := h.userByID(claims.UserID)
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u.User)
}

func (h *Hub) writeToken(w http.ResponseWriter, u *user, ttl time.Duration) {
	tok, err := h.sign(u, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign token")
		return
	}
	writeJSON(w, http.StatusOK, protocol.TokenResponse{Token: tok, User: u.User})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (h *Hub) handleSocket(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get(protocol.QueryToken)
	if tok == "" {
		tok = bearer(r)
	}
	if _, err := h.parse(tok, false); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	s := &socket{conn: conn}

	h.mu.Lock()
	h.dials = append(h.dials, r.URL.Query())
	h.sockets[s] = struct{}{}
	h.mu.Unlock()
	select {
	case h.connected <- struct{}{}:
	default:
	}

	defer func() {
		h.mu.Lock()
		delete(h.sockets, s)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid frame", "error", err)
			continue
		}
		h.mu.Lock()
		h.frames = append(h.frames, env)
		h.mu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
