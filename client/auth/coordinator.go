// Package auth keeps HTTP calls working across bearer-token expiry. The
// Coordinator is an http.RoundTripper that attaches the current token,
// recovers from 401/403 with a single-flight refresh and replays the failed
// requests with the renewed token.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amurg-ai/deskline/client/credential"
	"github.com/amurg-ai/deskline/client/eventbus"
	"github.com/amurg-ai/deskline/pkg/protocol"
)

var (
	// ErrAuthExpired means the session cannot be recovered: the refresh
	// failed or there is nothing to refresh. Credentials have been cleared.
	ErrAuthExpired = errors.New("session expired")
	// ErrLoggedOut is joined with ErrAuthExpired when a refresh lost the race
	// against an explicit logout.
	ErrLoggedOut = errors.New("logged out")
	// ErrSessionChanged is joined with ErrAuthExpired when a login replaced
	// the session while a refresh was in flight.
	ErrSessionChanged = errors.New("session replaced by login")
	// ErrInvalidCredentials is returned by Login for a rejected email/password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// refreshTimeout bounds the refresh call. It is detached from the caller's
// context so one cancelled request cannot fail the whole episode.
const refreshTimeout = 15 * time.Second

type retriedKey struct{}

type refreshResult struct {
	cred credential.Credential
	err  error
}

// Options configures a Coordinator.
type Options struct {
	// BaseURL is the REST API root the auth endpoints hang off.
	BaseURL string
	// Transport performs the actual requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Timeout is applied to the http.Client returned by Client.
	Timeout time.Duration
}

// Coordinator is the single writer of the bearer token. It serialises token
// renewal: while a refresh is in flight every other request that needs one
// waits in a FIFO queue and is settled with the outcome of that refresh.
type Coordinator struct {
	store   credential.Store
	bus     *eventbus.Bus
	base    http.RoundTripper
	baseURL *url.URL
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	refreshing bool
	queue      []chan refreshResult
	generation uint64 // bumped by Login and Logout
	ended      error  // why the previous generation ended
}

// NewCoordinator creates a Coordinator over store. bus may be nil.
func NewCoordinator(store credential.Store, bus *eventbus.Bus, opts Options, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https: %q", opts.BaseURL)
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Coordinator{
		store:   store,
		bus:     bus,
		base:    rt,
		baseURL: base,
		timeout: opts.Timeout,
		logger:  logger.With("component", "refresh-coordinator"),
	}, nil
}

// Client returns an http.Client whose requests go through the Coordinator.
func (c *Coordinator) Client() *http.Client {
	return &http.Client{Transport: c, Timeout: c.timeout}
}

// URL resolves an API path against the base URL.
func (c *Coordinator) URL(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// RoundTrip implements http.RoundTripper.
func (c *Coordinator) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := replayable(req)
	if err != nil {
		return nil, err
	}
	sent := c.attachToken(out)

	resp, err := c.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if !needsRecovery(out, resp) {
		return resp, nil
	}
	drain(resp)

	c.logger.Debug("request unauthorized, recovering", "method", out.Method, "path", out.URL.Path, "status", resp.StatusCode)

	cred, err := c.recoverToken(out.Context(), sent)
	if err != nil {
		return nil, err
	}
	return c.replay(out, cred.Token)
}

// Refresh renews the token, joining the in-flight refresh if there is one.
// Exactly one refresh call is made per episode regardless of how many
// callers arrive while it runs.
func (c *Coordinator) Refresh(ctx context.Context) (credential.Credential, error) {
	return c.recoverToken(ctx, "")
}

// recoverToken returns a token to replay with. A request rejected with a
// token that has since been replaced reuses the stored one instead of
// starting another refresh.
func (c *Coordinator) recoverToken(ctx context.Context, stale string) (credential.Credential, error) {
	c.mu.Lock()
	if !c.refreshing && stale != "" {
		if cur, err := c.store.Load(ctx); err == nil && cur.Token != stale {
			c.mu.Unlock()
			return *cur, nil
		}
	}
	if c.refreshing {
		ch := make(chan refreshResult, 1)
		c.queue = append(c.queue, ch)
		c.mu.Unlock()

		select {
		case res := <-ch:
			return res.cred, res.err
		case <-ctx.Done():
			// The settlement still lands in the buffered channel.
			return credential.Credential{}, ctx.Err()
		}
	}
	c.refreshing = true
	gen := c.generation
	c.mu.Unlock()

	return c.runRefresh(ctx, gen)
}

// runRefresh performs the refresh call and closes the episode. Persisting
// the outcome, taking the queue and clearing the in-flight flag happen in one
// critical section, so a caller arriving afterwards starts a new episode
// instead of joining a queue nobody will settle.
func (c *Coordinator) runRefresh(ctx context.Context, gen uint64) (credential.Credential, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	cred, err := c.callRefresh(rctx)

	c.mu.Lock()
	superseded := c.generation != gen
	switch {
	case superseded:
		// Login or Logout already decided what the store holds.
		err = errors.Join(ErrAuthExpired, c.ended)
	case err == nil:
		if saveErr := c.store.Save(rctx, cred); saveErr != nil {
			err = fmt.Errorf("%w: persist token: %w", ErrAuthExpired, saveErr)
		}
	}
	if err != nil && !superseded {
		c.clear(rctx)
	}
	queue := c.queue
	c.queue = nil
	c.refreshing = false
	c.mu.Unlock()

	if err != nil {
		settle(queue, refreshResult{err: err})
		c.logger.Warn("token refresh failed", "error", err)
		if !superseded {
			c.bus.Publish(eventbus.Event{Type: eventbus.SessionExpired, Err: err})
		}
		return credential.Credential{}, err
	}

	settle(queue, refreshResult{cred: cred})
	c.logger.Info("token refreshed", "tenant_id", cred.TenantID, "user_id", cred.UserID)
	c.bus.Publish(eventbus.Event{Type: eventbus.SessionRefreshed, TenantID: cred.TenantID, UserID: cred.UserID})
	return cred, nil
}

// settle resolves queued continuations in FIFO order. Each channel is
// buffered, so this never blocks.
func settle(queue []chan refreshResult, res refreshResult) {
	for _, ch := range queue {
		ch <- res
	}
}

func (c *Coordinator) callRefresh(ctx context.Context) (credential.Credential, error) {
	current, err := c.store.Load(ctx)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(protocol.PathRefreshToken), nil)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+current.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.RoundTrip(req)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: refresh: %w", ErrAuthExpired, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return credential.Credential{}, fmt.Errorf("%w: refresh rejected with status %d", ErrAuthExpired, resp.StatusCode)
	}

	tr, err := decodeToken(resp.Body)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	next := credential.Credential{
		Token:    tr.Token,
		TenantID: firstNonEmpty(tr.User.CompanyID.String(), current.TenantID),
		UserID:   firstNonEmpty(tr.User.ID.String(), current.UserID),
	}
	if err := next.Validate(); err != nil {
		return credential.Credential{}, fmt.Errorf("%w: refreshed token: %w", ErrAuthExpired, err)
	}
	return next, nil
}

// Login exchanges email and password for a credential and persists it.
// It bypasses recovery: a 401 here means bad credentials, not expiry. A
// refresh still running for the previous session settles with
// ErrSessionChanged and leaves the new credential alone.
func (c *Coordinator) Login(ctx context.Context, email, password string) (protocol.User, error) {
	body, err := json.Marshal(protocol.LoginRequest{Email: email, Password: password})
	if err != nil {
		return protocol.User{}, fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(protocol.PathLogin), bytes.NewReader(body))
	if err != nil {
		return protocol.User{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.RoundTrip(req)
	if err != nil {
		return protocol.User{}, fmt.Errorf("login: %w", err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return protocol.User{}, ErrInvalidCredentials
	case resp.StatusCode != http.StatusOK:
		return protocol.User{}, fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	tr, err := decodeToken(resp.Body)
	if err != nil {
		return protocol.User{}, fmt.Errorf("login: %w", err)
	}
	cred := credential.Credential{
		Token:    tr.Token,
		TenantID: tr.User.CompanyID.String(),
		UserID:   tr.User.ID.String(),
	}
	if err := cred.Validate(); err != nil {
		return protocol.User{}, fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	c.generation++
	c.ended = ErrSessionChanged
	err = c.store.Save(ctx, cred)
	c.mu.Unlock()
	if err != nil {
		return protocol.User{}, fmt.Errorf("persist credential: %w", err)
	}

	c.logger.Info("logged in", "tenant_id", cred.TenantID, "user_id", cred.UserID)
	return tr.User, nil
}

// Logout ends the session. Any refresh in flight settles as failed instead
// of persisting its token, and no refresh can start afterwards because there
// is no credential left to refresh. The server call is best-effort.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	c.ended = ErrLoggedOut
	c.mu.Unlock()

	cred, loadErr := c.store.Load(ctx)
	if loadErr == nil {
		if err := c.callLogout(ctx, cred.Token); err != nil {
			c.logger.Warn("logout call failed", "error", err)
		}
	}

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}

	ev := eventbus.Event{Type: eventbus.SessionLoggedOut}
	if cred != nil {
		ev.TenantID, ev.UserID = cred.TenantID, cred.UserID
	}
	c.bus.Publish(ev)
	c.logger.Info("logged out")
	return nil
}

func (c *Coordinator) callLogout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.URL(protocol.PathLogout), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.base.RoundTrip(req)
	if err != nil {
		return err
	}
	drain(resp)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// attachToken sets the bearer header when a usable credential is stored and
// returns the token it sent.
func (c *Coordinator) attachToken(req *http.Request) string {
	cred, err := c.store.Load(req.Context())
	switch {
	case err == nil:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
		return cred.Token
	case errors.Is(err, credential.ErrMalformedToken):
		c.expire(context.WithoutCancel(req.Context()), fmt.Errorf("%w: %w", ErrAuthExpired, err))
	case !errors.Is(err, credential.ErrNoCredential):
		c.logger.Warn("load credential failed", "error", err)
	}
	return ""
}

func (c *Coordinator) replay(req *http.Request, token string) (*http.Response, error) {
	retry := req.Clone(context.WithValue(req.Context(), retriedKey{}, true))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)
	return c.base.RoundTrip(retry)
}

// expire clears the credential and routes consumers to the signed-out state.
func (c *Coordinator) expire(ctx context.Context, cause error) {
	c.clear(ctx)
	c.bus.Publish(eventbus.Event{Type: eventbus.SessionExpired, Err: cause})
}

func (c *Coordinator) clear(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("clear credential failed", "error", err)
	}
}

func needsRecovery(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return false
	}
	if req.Context().Value(retriedKey{}) != nil {
		return false
	}
	p := req.URL.Path
	return !strings.HasSuffix(p, protocol.PathRefreshToken) && !strings.HasSuffix(p, protocol.PathLogout)
}

// replayable clones req and makes sure its body can be sent twice.
func replayable(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return out, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, nil
}

func decodeToken(r io.Reader) (protocol.TokenResponse, error) {
	var tr protocol.TokenResponse
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		return tr, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Token == "" {
		return tr, errors.New("token response without token")
	}
	return tr, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
