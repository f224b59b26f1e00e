package realtime

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/deskline/client/credential"
	"github.com/amurg-ai/deskline/client/eventbus"
	"github.com/amurg-ai/deskline/pkg/protocol"
)

// tokenFunc returns the token for the next dial. It fails with
// ErrReloadRequired when the stored session no longer fits the connection.
type tokenFunc func(ctx context.Context) (string, error)

// renewFunc refreshes the stored token after the server rejected it.
type renewFunc func(ctx context.Context) error

// physical is the one shared connection for an identity. It owns the link,
// the reconnection state machine and the binding table, and runs every
// listener on a single dispatcher goroutine.
type physical struct {
	id         string
	identity   credential.Identity
	transport  Transport
	opts       Options
	token      tokenFunc
	renew      renewFunc
	bus        *eventbus.Bus
	logger     *slog.Logger
	onTerminal func(*physical, error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	link    Link
	err     error
	handles map[*managedHandle]struct{}
	table   map[string][]binding
	active  map[SubscriptionID]struct{}
	seq     uint64
	readyCh chan struct{}
	pending []func()
	wake    chan struct{}
}

func newPhysical(identity credential.Identity, transport Transport, token tokenFunc, bus *eventbus.Bus, opts Options, logger *slog.Logger) *physical {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &physical{
		id:        id,
		identity:  identity,
		transport: transport,
		opts:      opts,
		token:     token,
		bus:       bus,
		logger:    logger.With("conn_id", id, "tenant_id", identity.TenantID, "user_id", identity.UserID),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
		handles:   make(map[*managedHandle]struct{}),
		readyCh:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

func (p *physical) start() {
	p.mu.Lock()
	p.state = StateConnecting
	p.mu.Unlock()
	go p.run()
}

// State returns the current lifecycle state.
func (p *physical) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *physical) run() {
	err := p.loop()
	p.finish(err)
}

// loop dials, serves and redials until the connection is torn down or gives
// up. A nil return means teardown.
func (p *physical) loop() error {
	reconnect := false
	renewed := false
	failures := 0
	for {
		token, err := p.token(p.ctx)
		if err == nil {
			var link Link
			link, err = p.transport.Dial(p.ctx, DialParams{Token: token, Reconnect: reconnect})
			if err == nil {
				opened := time.Now()
				lossErr := p.serve(link, reconnect)
				if p.ctx.Err() != nil {
					return nil
				}
				reconnect = true
				renewed = false

				stable := time.Since(opened) >= p.opts.StableUptime
				if stable {
					failures = 0
				} else {
					failures++
					if failures >= p.opts.ReconnectAttempts {
						return fmt.Errorf("%w after %d attempts: %w", ErrConnectivity, failures, lossErr)
					}
				}

				p.logger.Info("link lost, reconnecting", "error", lossErr, "attempt", failures+1)
				p.publish(eventbus.Event{Type: eventbus.ConnectionReconnecting, Attempt: failures + 1, Err: lossErr})

				if stable && errors.Is(lossErr, ErrServerClosed) {
					continue
				}
				if !p.sleep(p.opts.ReconnectDelay) {
					return nil
				}
				continue
			}
		}

		if p.ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrReloadRequired) {
			return err
		}
		if errors.Is(err, ErrUnauthorized) {
			if renewed || p.renew == nil {
				return fmt.Errorf("%w: %w", ErrAuthRejected, err)
			}
			renewed = true
			p.logger.Info("token rejected, refreshing before redial", "error", err)
			if rerr := p.renew(p.ctx); rerr != nil {
				if p.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %w", ErrAuthRejected, rerr)
			}
			continue
		}

		failures++
		p.logger.Warn("connect attempt failed", "attempt", failures, "error", err)
		if failures >= p.opts.ReconnectAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrConnectivity, failures, err)
		}
		if reconnect {
			p.publish(eventbus.Event{Type: eventbus.ConnectionReconnecting, Attempt: failures + 1, Err: err})
		}
		if !p.sleep(p.opts.ReconnectDelay) {
			return nil
		}
	}
}

func (p *physical) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve runs the dispatcher for one link until it drops.
func (p *physical) serve(link Link, reconnect bool) error {
	defer func() { _ = link.Close() }()

	ready, ok := p.open(link, reconnect)
	if !ok {
		return nil
	}
	p.publish(eventbus.Event{Type: eventbus.ConnectionOpen})
	p.fireReady(ready)

	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-p.wake:
			p.runPending()
		case env, ok := <-link.Receive():
			if !ok {
				err := link.Err()
				p.lost()
				return err
			}
			p.dispatch(env)
		}
	}
}

// open installs link, replays recorded joins and rebinds every recorded
// listener before the state becomes Open. It returns the readiness listeners
// bound at that moment; later ones are queued by on.
func (p *physical) open(link Link, reconnect bool) ([]binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return nil, false
	}
	p.link = link

	joins := p.activeJoinsLocked()
	for _, j := range joins {
		if err := link.Send(j.env); err != nil {
			p.logger.Warn("replay join failed", "room", j.room.Room, "error", err)
		}
	}
	p.rebindLocked()
	p.state = StateOpen
	close(p.readyCh)
	ready := append(slices.Clone(p.table[protocol.EventReady]), p.table[protocol.EventConnect]...)

	p.logger.Info("realtime connection open", "reconnect", reconnect, "replayed_joins", len(joins))
	return ready, true
}

func (p *physical) lost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	p.state = StateReconnecting
	p.link = nil
	p.table = nil
	p.active = nil
	p.pending = nil
	p.readyCh = make(chan struct{})
}

// finish records why the loop ended. Teardown already did the bookkeeping.
func (p *physical) finish(err error) {
	p.mu.Lock()
	if p.state == StateClosed || err == nil {
		p.mu.Unlock()
		close(p.done)
		return
	}
	p.err = err
	if errors.Is(err, ErrReloadRequired) || errors.Is(err, ErrAuthRejected) {
		p.detachLocked()
		p.state = StateClosed
	} else {
		p.state = StateFailed
	}
	p.mu.Unlock()
	close(p.done)

	if errors.Is(err, ErrConnectivity) {
		p.logger.Error("realtime connection failed", "error", err)
		p.publish(eventbus.Event{Type: eventbus.ConnectionFailed, Err: err})
	} else if errors.Is(err, ErrAuthRejected) {
		p.logger.Warn("realtime token rejected after refresh", "error", err)
	} else {
		p.logger.Warn("realtime connection needs a session reload", "error", err)
	}
	if p.onTerminal != nil {
		go p.onTerminal(p, err)
	}
}

// teardown unbinds every listener, leaves every joined room and closes the
// link. Failures are logged and never stop the teardown.
func (p *physical) teardown(reason string) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	link := p.link
	if p.state == StateOpen && link != nil {
		for _, j := range p.activeJoinsLocked() {
			leave := protocol.Envelope{Event: j.room.LeaveEvent(), Args: j.env.Args}
			if err := link.Send(leave); err != nil {
				p.logger.Warn("leave on teardown failed", "room", j.room.Room, "error", err)
			}
		}
	}
	p.detachLocked()
	p.state = StateClosed
	p.err = ErrClosed
	p.link = nil
	p.cancel()
	p.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			p.logger.Warn("close link failed", "error", err)
		}
	}
	p.logger.Info("realtime connection closed", "reason", reason)
	p.publish(eventbus.Event{Type: eventbus.ConnectionClosed})
}

func (p *physical) detachLocked() {
	for h := range p.handles {
		h.ledger.reset()
		h.detached = true
	}
	p.handles = make(map[*managedHandle]struct{})
	p.table = nil
	p.active = nil
	p.pending = nil
}

// wait blocks until the run loop has exited.
func (p *physical) wait() {
	<-p.done
}

func (p *physical) waitReady(ctx context.Context, h *managedHandle) error {
	for {
		p.mu.Lock()
		state, ch, err, detached := p.state, p.readyCh, p.err, h.detached
		p.mu.Unlock()

		switch {
		case state.terminal():
			return err
		case detached:
			return ErrHandleClosed
		case state == StateOpen:
			return nil
		}

		select {
		case <-ch:
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *physical) publish(e eventbus.Event) {
	e.TenantID, e.UserID = p.identity.TenantID, p.identity.UserID
	p.bus.Publish(e)
}

// activeJoinsLocked returns the distinct memberships of all live handles in
// the order they were first joined.
func (p *physical) activeJoinsLocked() []join {
	var all []join
	for h := range p.handles {
		all = append(all, h.ledger.joins...)
	}
	slices.SortFunc(all, func(a, b join) int { return cmp.Compare(a.seq, b.seq) })

	seen := make(map[string]struct{}, len(all))
	out := all[:0]
	for _, j := range all {
		k := j.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, j)
	}
	return out
}

// heldElsewhereLocked reports whether a handle other than h still holds key.
func (p *physical) heldElsewhereLocked(h *managedHandle, key string) bool {
	for other := range p.handles {
		if other != h && other.ledger.holds(key) {
			return true
		}
	}
	return false
}

func (p *physical) rebindLocked() {
	var all []binding
	for h := range p.handles {
		all = append(all, h.ledger.bindings...)
	}
	slices.SortFunc(all, func(a, b binding) int { return cmp.Compare(a.seq, b.seq) })

	p.table = make(map[string][]binding)
	p.active = make(map[SubscriptionID]struct{})
	for _, b := range all {
		p.bindLocked(b)
	}
}

func (p *physical) bindLocked(b binding) {
	if p.table == nil {
		p.table = make(map[string][]binding)
		p.active = make(map[SubscriptionID]struct{})
	}
	p.table[b.event] = append(p.table[b.event], b)
	p.active[b.id] = struct{}{}
}

func (p *physical) unbindLocked(b binding) {
	delete(p.active, b.id)
	list := p.table[b.event]
	for i, existing := range list {
		if existing.id == b.id {
			p.table[b.event] = slices.Delete(slices.Clone(list), i, i+1)
			return
		}
	}
}

func (p *physical) sendLocked(env protocol.Envelope) error {
	if p.state != StateOpen || p.link == nil {
		return ErrNotConnected
	}
	if err := p.link.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

func (p *physical) enqueueLocked(fn func()) {
	p.pending = append(p.pending, fn)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *physical) runPending() {
	p.mu.Lock()
	tasks := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

// fireReady runs the readiness listeners once, in registration order.
func (p *physical) fireReady(ready []binding) {
	slices.SortFunc(ready, func(a, b binding) int { return cmp.Compare(a.seq, b.seq) })

	for _, b := range ready {
		p.call(b, protocol.Envelope{Event: b.event})
	}
}

func (p *physical) dispatch(env protocol.Envelope) {
	if env.Event == protocol.EventReady || env.Event == protocol.EventConnect {
		return
	}
	p.mu.Lock()
	listeners := slices.Clone(p.table[env.Event])
	p.mu.Unlock()

	for _, b := range listeners {
		p.call(b, env)
	}
}

// call runs one listener unless it was unbound after the snapshot was taken.
// Panics are the listener's problem and are only logged.
func (p *physical) call(b binding, env protocol.Envelope) {
	p.mu.Lock()
	_, live := p.active[b.id]
	p.mu.Unlock()
	if !live {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("listener panicked", "event", env.Event, "subscription", b.id, "panic", r)
		}
	}()
	b.fn(env)
}

func (p *physical) newHandle() *managedHandle {
	h := &managedHandle{id: uuid.NewString(), conn: p}
	p.mu.Lock()
	p.handles[h] = struct{}{}
	p.mu.Unlock()
	return h
}

func (p *physical) on(h *managedHandle, event string, fn Listener) SubscriptionID {
	id := newSubscriptionID()
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.detached || fn == nil {
		return id
	}

	p.seq++
	b := binding{id: id, seq: p.seq, event: event, fn: fn}
	h.ledger.addBinding(b)
	if p.state != StateOpen {
		return id
	}
	p.bindLocked(b)
	if b.ready() {
		p.enqueueLocked(func() { p.call(b, protocol.Envelope{Event: event}) })
	}
	return id
}

func (p *physical) off(h *managedHandle, id SubscriptionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := h.ledger.removeBinding(id); ok {
		p.unbindLocked(b)
	}
}

func (p *physical) emit(h *managedHandle, env protocol.Envelope) error {
	verb, room, isRoom := protocol.ParseRoomEvent(env.Event)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return ErrClosed
	}
	if h.detached {
		return ErrHandleClosed
	}

	if isRoom {
		switch verb {
		case protocol.VerbJoin:
			p.seq++
			h.ledger.addJoin(join{seq: p.seq, room: room, env: env})
			if p.state != StateOpen {
				// Sent when the link opens.
				return nil
			}
		case protocol.VerbLeave:
			removed := h.ledger.removeJoins(room, env.Args)
			var release []join
			for _, j := range removed {
				if !p.heldElsewhereLocked(h, j.key()) {
					release = append(release, j)
				}
			}
			if p.state != StateOpen || (len(removed) > 0 && len(release) == 0) {
				return nil
			}
			if len(release) < len(removed) {
				// Leave only the memberships no other handle still holds.
				var errs []error
				for _, j := range release {
					leave := protocol.Envelope{Event: j.room.LeaveEvent(), Args: j.env.Args}
					if err := p.sendLocked(leave); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			}
		}
	}
	return p.sendLocked(env)
}

func (p *physical) disconnect(h *managedHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.detached {
		return
	}

	for _, j := range h.ledger.joins {
		if p.state != StateOpen || p.heldElsewhereLocked(h, j.key()) {
			continue
		}
		leave := protocol.Envelope{Event: j.room.LeaveEvent(), Args: j.env.Args}
		if err := p.link.Send(leave); err != nil {
			p.logger.Warn("leave on disconnect failed", "handle", h.id, "room", j.room.Room, "error", err)
		}
	}
	for _, b := range h.ledger.bindings {
		p.unbindLocked(b)
	}
	h.ledger.reset()
	h.detached = true
	delete(p.handles, h)
}
