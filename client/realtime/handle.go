package realtime

import (
	"context"
	"fmt"

	"github.com/amurg-ai/deskline/pkg/protocol"
)

// Handle is a feature's view of the shared realtime connection. Everything a
// handle binds or joins is recorded so it survives reconnects, and is undone
// by Disconnect without affecting other handles.
type Handle interface {
	// On binds fn to event. "ready" and "connect" fire once the connection
	// is open and every recorded join has been replayed.
	On(event string, fn Listener) SubscriptionID
	// Off removes the binding created by On.
	Off(id SubscriptionID)
	// Emit sends a raw event. join<Room> and leave<Room> emits are tracked.
	Emit(event string, args ...any) error
	// Join subscribes to a room channel.
	Join(ch protocol.Channel, params ...any) error
	// Leave unsubscribes from a room channel.
	Leave(ch protocol.Channel, params ...any) error
	// Ready blocks until the connection is open or can no longer open.
	Ready(ctx context.Context) error
	// State reports the state of the underlying connection.
	State() State
	// Disconnect leaves every room this handle joined and unbinds its
	// listeners. The shared connection stays open. Safe to call twice.
	Disconnect()
}

type managedHandle struct {
	id   string
	conn *physical

	// Guarded by conn.mu.
	ledger   ledger
	detached bool
}

var _ Handle = (*managedHandle)(nil)

func (h *managedHandle) On(event string, fn Listener) SubscriptionID {
	return h.conn.on(h, event, fn)
}

func (h *managedHandle) Off(id SubscriptionID) {
	h.conn.off(h, id)
}

func (h *managedHandle) Emit(event string, args ...any) error {
	env, err := protocol.NewEnvelope(event, args...)
	if err != nil {
		return err
	}
	return h.conn.emit(h, env)
}

func (h *managedHandle) Join(ch protocol.Channel, params ...any) error {
	if ch.Kind != protocol.KindRoom {
		return fmt.Errorf("join %s: only rooms can be joined", ch)
	}
	return h.Emit(ch.JoinEvent(), params...)
}

func (h *managedHandle) Leave(ch protocol.Channel, params ...any) error {
	if ch.Kind != protocol.KindRoom {
		return fmt.Errorf("leave %s: only rooms can be left", ch)
	}
	return h.Emit(ch.LeaveEvent(), params...)
}

func (h *managedHandle) Ready(ctx context.Context) error {
	return h.conn.waitReady(ctx, h)
}

func (h *managedHandle) State() State {
	return h.conn.State()
}

func (h *managedHandle) Disconnect() {
	h.conn.disconnect(h)
}
