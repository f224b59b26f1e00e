package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/deskline/pkg/protocol"
)

func joinOf(t *testing.T, seq uint64, room string, args ...any) join {
	t.Helper()
	ch := protocol.Room(room)
	env, err := protocol.NewEnvelope(ch.JoinEvent(), args...)
	require.NoError(t, err)
	return join{seq: seq, room: ch, env: env}
}

func TestLedger_Joins(t *testing.T) {
	var l ledger
	require.True(t, l.addJoin(joinOf(t, 1, "ChatBox", "42")))
	require.False(t, l.addJoin(joinOf(t, 2, "ChatBox", "42")), "same membership twice")
	require.True(t, l.addJoin(joinOf(t, 3, "ChatBox", "43")))
	require.True(t, l.addJoin(joinOf(t, 4, "Ticket", 7)))
	require.True(t, l.holds(joinOf(t, 0, "Ticket", 7).key()))
	require.False(t, l.holds(joinOf(t, 0, "Ticket", "7").key()), "string and number ids differ")

	removed := l.removeJoins(protocol.Room("ChatBox"), joinOf(t, 0, "ChatBox", "43").env.Args)
	require.Len(t, removed, 1)
	require.Equal(t, uint64(3), removed[0].seq)
	require.Len(t, l.joins, 2)

	// A bare leave drops every membership of the room.
	l.addJoin(joinOf(t, 5, "ChatBox", "44"))
	removed = l.removeJoins(protocol.Room("ChatBox"), nil)
	require.Len(t, removed, 2)
	require.Len(t, l.joins, 1)
	require.Equal(t, "Ticket", l.joins[0].room.Room)
}

func TestLedger_Bindings(t *testing.T) {
	var l ledger
	a := binding{id: newSubscriptionID(), seq: 1, event: "msg"}
	b := binding{id: newSubscriptionID(), seq: 2, event: protocol.EventReady}
	l.addBinding(a)
	l.addBinding(b)
	require.True(t, b.ready())
	require.False(t, a.ready())

	got, ok := l.removeBinding(a.id)
	require.True(t, ok)
	require.Equal(t, a.id, got.id)
	_, ok = l.removeBinding(a.id)
	require.False(t, ok)

	l.reset()
	require.Empty(t, l.bindings)
	require.Empty(t, l.joins)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "reconnecting", StateReconnecting.String())
	require.True(t, StateFailed.terminal())
	require.False(t, StateOpen.terminal())
}
