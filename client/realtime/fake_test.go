package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/deskline/client/credential"
	"github.com/amurg-ai/deskline/client/eventbus"
	"github.com/amurg-ai/deskline/pkg/protocol"
)

var errDropped = errors.New("connection reset")

// fakeTransport hands out in-memory links and records every dial.
type fakeTransport struct {
	mu      sync.Mutex
	params  []DialParams
	links   []*fakeLink
	failAll error
	failErr error
	failN   int
	gate    chan struct{}

	dialed chan *fakeLink
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeLink, 32)}
}

func (f *fakeTransport) Dial(ctx context.Context, p DialParams) (Link, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.params = append(f.params, p)
	err := f.failAll
	if f.failN > 0 {
		f.failN--
		err = f.failErr
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	l := &fakeLink{recv: make(chan protocol.Envelope, 16)}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	f.dialed <- l
	return l, nil
}

func (f *fakeTransport) setFailAll(err error) {
	f.mu.Lock()
	f.failAll = err
	f.mu.Unlock()
}

// failNext makes the next n dials fail with err.
func (f *fakeTransport) failNext(n int, err error) {
	f.mu.Lock()
	f.failN, f.failErr = n, err
	f.mu.Unlock()
}

func (f *fakeTransport) dials() []DialParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DialParams(nil), f.params...)
}

func (f *fakeTransport) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func (f *fakeTransport) next(t *testing.T) *fakeLink {
	t.Helper()
	select {
	case l := <-f.dialed:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

type fakeLink struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	recv   chan protocol.Envelope
	err    error
	ended  bool
	closed bool
}

func (l *fakeLink) Send(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return errDropped
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Receive() <-chan protocol.Envelope { return l.recv }

func (l *fakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.drop(errors.New("closed locally"))
	return nil
}

// drop ends the link as if the network or the server cut it.
func (l *fakeLink) drop(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.ended = true
	l.err = err
	close(l.recv)
}

func (l *fakeLink) push(t *testing.T, event string, args ...any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, args...)
	require.NoError(t, err)
	l.recv <- env
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// frames returns the sent frames as "event arg..." strings.
func (l *fakeLink) frames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sent))
	for _, env := range l.sent {
		s := env.Event
		for _, a := range env.Args {
			s += " " + string(a)
		}
		out = append(out, s)
	}
	return out
}

type fakeRefresher struct {
	store credential.Store
	next  credential.Credential
	err   error

	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context) (credential.Credential, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		_ = f.store.Clear(ctx)
		return credential.Credential{}, f.err
	}
	if err := f.store.Save(ctx, f.next); err != nil {
		return credential.Credential{}, err
	}
	return f.next, nil
}

func (f *fakeRefresher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func issueToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		ID:        time.Now().Format(time.RFC3339Nano),
	})
	s, err := tok.SignedString([]byte("test-secret-at-least-32-chars-long"))
	require.NoError(t, err)
	return s
}

func signIn(t *testing.T, store credential.Store, tenant, user string) credential.Credential {
	t.Helper()
	cred := credential.Credential{Token: issueToken(t, time.Hour), TenantID: tenant, UserID: user}
	require.NoError(t, store.Save(context.Background(), cred))
	return cred
}

type testEnv struct {
	store     *credential.MemoryStore
	transport *fakeTransport
	bus       *eventbus.Bus
	registry  *Registry
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	if opts.StableUptime == 0 {
		opts.StableUptime = time.Millisecond
	}
	env := &testEnv{
		store:     credential.NewMemory(),
		transport: newFakeTransport(),
		bus:       eventbus.New(),
	}
	env.registry = NewRegistry(env.store, nil, env.transport, env.bus, opts, nil)
	t.Cleanup(func() {
		env.registry.Close()
		env.bus.Close()
	})
	return env
}

// withRefresher rebuilds the registry around r.
func (e *testEnv) withRefresher(r Refresher, opts Options) {
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	if opts.StableUptime == 0 {
		opts.StableUptime = time.Millisecond
	}
	e.registry = NewRegistry(e.store, r, e.transport, e.bus, opts, nil)
}

func ready(t *testing.T, h Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Ready(ctx))
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}
