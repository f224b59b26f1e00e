// Package session wires the credential store, the refresh coordinator and
// the realtime registry into one injectable service. Applications create a
// Session at startup and pass it to features instead of reaching for
// package-level state.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/deskline/client/auth"
	"github.com/amurg-ai/deskline/client/config"
	"github.com/amurg-ai/deskline/client/credential"
	"github.com/amurg-ai/deskline/client/eventbus"
	"github.com/amurg-ai/deskline/client/realtime"
	"github.com/amurg-ai/deskline/pkg/protocol"
)

// Option customises New.
type Option func(*options)

type options struct {
	store         credential.Store
	transport     realtime.Transport
	httpTransport http.RoundTripper
}

// WithStore uses store instead of the configured credential backend.
func WithStore(store credential.Store) Option {
	return func(o *options) { o.store = store }
}

// WithTransport uses t for realtime connections instead of WebSocket.
func WithTransport(t realtime.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithHTTPTransport sets the round tripper beneath the refresh coordinator.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.httpTransport = rt }
}

// Session is the signed-in state of one client.
type Session struct {
	store    credential.Store
	bus      *eventbus.Bus
	coord    *auth.Coordinator
	registry *realtime.Registry
	logger   *slog.Logger

	events chan eventbus.Event
	done   chan struct{}
}

// Status summarises the session for display.
type Status struct {
	SignedIn   bool                `json:"signed_in"`
	Identity   credential.Identity `json:"identity"`
	ExpiresAt  time.Time           `json:"expires_at,omitempty"`
	Expired    bool                `json:"expired"`
	Connection string              `json:"connection"`
	Token      string              `json:"-"`
}

// New builds a Session from cfg. Defaults must already be applied.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = credential.New(cfg.Credentials); err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
	}

	httpTransport := o.httpTransport
	if httpTransport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.API.TLSSkipVerify {
			base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpTransport = base
	}

	bus := eventbus.New()
	coord, err := auth.NewCoordinator(store, bus, auth.Options{
		BaseURL:   cfg.API.BaseURL,
		Transport: httpTransport,
		Timeout:   cfg.API.Timeout.Duration,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	transport := o.transport
	if transport == nil {
		ws, err := realtime.NewWSTransport(cfg.Realtime, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		transport = ws
	}

	registry := realtime.NewRegistry(store, coord, transport, bus, realtime.Options{
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay.Duration,
	}, logger)

	s := &Session{
		store:    store,
		bus:      bus,
		coord:    coord,
		registry: registry,
		logger:   logger.With("component", "session"),
		events:   bus.Subscribe(eventbus.SessionExpired, eventbus.SessionLoggedOut),
		done:     make(chan struct{}),
	}
	go s.watchSession()
	return s, nil
}

// watchSession drops the realtime connection once the session ends on the
// HTTP side, so no feature keeps listening with a dead token.
func (s *Session) watchSession() {
	defer close(s.done)
	for ev := range s.events {
		s.logger.Info("session ended", "reason", ev.Type)
		s.registry.Reset(ev.Type)
	}
}

// HTTPClient returns a client whose requests carry the bearer token and
// survive token expiry.
func (s *Session) HTTPClient() *http.Client { return s.coord.Client() }

// URL resolves an API path against the configured base URL.
func (s *Session) URL(path string) string { return s.coord.URL(path) }

// Handle returns a realtime handle for the signed-in identity, or a
// NullHandle when signed out.
func (s *Session) Handle(ctx context.Context) realtime.Handle { return s.registry.Handle(ctx) }

// Bus returns the lifecycle event bus.
func (s *Session) Bus() *eventbus.Bus { return s.bus }

// Login signs in and persists the credential. Handles acquired afterwards
// belong to the new identity.
func (s *Session) Login(ctx context.Context, email, password string) (protocol.User, error) {
	return s.coord.Login(ctx, email, password)
}

// Logout leaves every room, closes the realtime connection and ends the
// session on the server.
func (s *Session) Logout(ctx context.Context) error {
	s.registry.Reset("logout")
	return s.coord.Logout(ctx)
}

// Status reports the stored identity and the connection state.
func (s *Session) Status(ctx context.Context) (Status, error) {
	st := Status{Connection: s.registry.State().String()}
	cred, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, credential.ErrNoCredential):
		return st, nil
	case err != nil:
		return st, err
	}

	st.SignedIn = true
	st.Identity = cred.Identity()
	st.Token = cred.Token
	st.ExpiresAt, err = cred.ExpiresAt()
	if err != nil {
		return st, err
	}
	st.Expired, _ = cred.Expired(time.Now())
	return st, nil
}

// Close tears everything down.
func (s *Session) Close() error {
	s.registry.Close()
	s.bus.Close()
	<-s.done
	return s.store.Close()
}
