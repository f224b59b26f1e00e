package realtime

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/amurg-ai/deskline/pkg/protocol"
)

// SubscriptionID identifies one On registration.
type SubscriptionID string

func newSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.NewString())
}

// Listener receives events. Listeners of one connection run serially on its
// dispatcher goroutine and must not block for long.
type Listener func(env protocol.Envelope)

type binding struct {
	id    SubscriptionID
	seq   uint64
	event string
	fn    Listener
}

// ready reports whether the binding belongs to the readiness gate.
func (b binding) ready() bool {
	return b.event == protocol.EventReady || b.event == protocol.EventConnect
}

type join struct {
	seq  uint64
	room protocol.Channel
	env  protocol.Envelope
}

// key identifies a membership: the room plus the exact join arguments.
func (j join) key() string {
	return membershipKey(j.room, j.env.Args)
}

func membershipKey(room protocol.Channel, args []json.RawMessage) string {
	var b strings.Builder
	b.WriteString(room.Room)
	for _, a := range args {
		b.WriteByte(0)
		b.Write(bytes.TrimSpace(a))
	}
	return b.String()
}

// ledger records what one handle has bound and joined so the connection can
// restore it after a reconnect and undo it on disconnect.
type ledger struct {
	bindings []binding
	joins    []join
}

func (l *ledger) addBinding(b binding) {
	l.bindings = append(l.bindings, b)
}

func (l *ledger) removeBinding(id SubscriptionID) (binding, bool) {
	for i, b := range l.bindings {
		if b.id == id {
			l.bindings = append(l.bindings[:i], l.bindings[i+1:]...)
			return b, true
		}
	}
	return binding{}, false
}

// addJoin records j unless the same membership is already recorded.
func (l *ledger) addJoin(j join) bool {
	k := j.key()
	for _, existing := range l.joins {
		if existing.key() == k {
			return false
		}
	}
	l.joins = append(l.joins, j)
	return true
}

// removeJoins drops the joins a leave for room with args undoes. A leave
// without arguments drops every join of the room.
func (l *ledger) removeJoins(room protocol.Channel, args []json.RawMessage) []join {
	var removed []join
	kept := l.joins[:0]
	k := membershipKey(room, args)
	for _, j := range l.joins {
		match := j.room.Room == room.Room && (len(args) == 0 || j.key() == k)
		if match {
			removed = append(removed, j)
			continue
		}
		kept = append(kept, j)
	}
	l.joins = kept
	return removed
}

func (l *ledger) holds(key string) bool {
	for _, j := range l.joins {
		if j.key() == key {
			return true
		}
	}
	return false
}

func (l *ledger) reset() {
	l.bindings = nil
	l.joins = nil
}
