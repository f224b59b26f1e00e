package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amurg-ai/deskline/client/credential"
	"github.com/amurg-ai/deskline/client/eventbus"
)

// Refresher renews an expired token. On failure it is expected to clear the
// stored credential and announce the expiry itself.
type Refresher interface {
	Refresh(ctx context.Context) (credential.Credential, error)
}

// Options tune the reconnection policy.
type Options struct {
	// ReconnectAttempts bounds consecutive failed attempts.
	ReconnectAttempts int
	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration
	// StableUptime is how long a link must stay up for its loss to reset
	// the attempt counter. Shorter-lived links count as failed attempts.
	StableUptime time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 10
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.StableUptime <= 0 {
		o.StableUptime = time.Second
	}
}

// Registry hands out Handles onto the single connection of the signed-in
// identity. It is the only component that opens or closes connections.
type Registry struct {
	store     credential.Store
	refresher Refresher
	transport Transport
	bus       *eventbus.Bus
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	current *physical
}

// NewRegistry creates a Registry. refresher and bus may be nil.
func NewRegistry(store credential.Store, refresher Refresher, transport Transport, bus *eventbus.Bus, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Registry{
		store:     store,
		refresher: refresher,
		transport: transport,
		bus:       bus,
		opts:      opts,
		logger:    logger.With("component", "realtime"),
		now:       time.Now,
	}
}

// Handle returns a new handle on the connection of the identity currently
// in the credential store, opening the connection if needed. Without a
// usable session it tears down whatever is open and returns a NullHandle.
func (r *Registry) Handle(ctx context.Context) Handle {
	cred, err := r.store.Load(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrMalformedToken) {
			r.expire(ctx, err)
		} else if !errors.Is(err, credential.ErrNoCredential) {
			r.logger.Warn("load credential failed", "error", err)
		}
		r.Reset("signed out")
		return NullHandle{}
	}

	if expired, _ := cred.Expired(r.now()); expired {
		fresh, err := r.refresh(ctx)
		if err != nil {
			r.logger.Warn("token refresh before connect failed", "error", err)
			r.Reset("session expired")
			return NullHandle{}
		}
		cred = &fresh
	}

	identity := cred.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.current; cur != nil {
		switch {
		case cur.identity != identity:
			r.logger.Info("identity changed, replacing connection", "from", cur.identity.String(), "to", identity.String())
			cur.teardown("identity changed")
			r.current = nil
		case cur.State().terminal():
			cur.teardown("replacing failed connection")
			r.current = nil
		}
	}

	if r.current == nil {
		p := newPhysical(identity, r.transport, r.dialToken(identity), r.bus, r.opts, r.logger)
		p.renew = r.renew
		p.onTerminal = r.terminated
		r.current = p
		p.start()
	}
	return r.current.newHandle()
}

// Reset tears down the current connection, if any. Existing handles become
// inert; callers acquire new ones with Handle.
func (r *Registry) Reset(reason string) {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()

	if cur != nil {
		cur.teardown(reason)
	}
}

// State reports the state of the current connection.
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return StateIdle
	}
	return r.current.State()
}

// Close tears down the current connection.
func (r *Registry) Close() {
	r.Reset("registry closed")
}

func (r *Registry) refresh(ctx context.Context) (credential.Credential, error) {
	if r.refresher == nil {
		err := errors.New("token refresh unavailable: no refresher configured")
		r.expire(ctx, err)
		return credential.Credential{}, err
	}
	return r.refresher.Refresh(ctx)
}

func (r *Registry) renew(ctx context.Context) error {
	_, err := r.refresh(ctx)
	return err
}

func (r *Registry) expire(ctx context.Context, cause error) {
	if err := r.store.Clear(ctx); err != nil {
		r.logger.Warn("clear credential failed", "error", err)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionExpired, Err: cause})
}

// dialToken reads the token for each attempt afresh. A session that expired
// or changed hands in the meantime cannot resume this connection.
func (r *Registry) dialToken(identity credential.Identity) tokenFunc {
	return func(ctx context.Context) (string, error) {
		cred, err := r.store.Load(ctx)
		switch {
		case errors.Is(err, credential.ErrNoCredential), errors.Is(err, credential.ErrMalformedToken):
			return "", fmt.Errorf("%w: %w", ErrReloadRequired, err)
		case err != nil:
			return "", err
		}
		if cred.Identity() != identity {
			return "", fmt.Errorf("%w: identity changed to %s", ErrReloadRequired, cred.Identity())
		}
		if expired, _ := cred.Expired(r.now()); expired {
			return "", fmt.Errorf("%w: token expired", ErrReloadRequired)
		}
		return cred.Token, nil
	}
}

// terminated runs when a connection stops on its own.
func (r *Registry) terminated(p *physical, err error) {
	rejected := errors.Is(err, ErrAuthRejected)
	if !rejected && !errors.Is(err, ErrReloadRequired) {
		// Failed connections are replaced on the next Handle call.
		return
	}
	r.mu.Lock()
	if r.current == p {
		r.current = nil
	}
	r.mu.Unlock()

	if rejected {
		// A failed refresh has already cleared the store and announced it.
		ctx := context.Background()
		if cred, lerr := r.store.Load(ctx); lerr == nil && cred.Identity() == p.identity {
			r.expire(ctx, err)
		}
		return
	}
	r.bus.Publish(eventbus.Event{
		Type:     eventbus.SessionReload,
		TenantID: p.identity.TenantID,
		UserID:   p.identity.UserID,
		Err:      err,
	})
}
