package realtime

import (
	"context"

	"github.com/amurg-ai/deskline/pkg/protocol"
)

// NullHandle is returned when nobody is signed in. Every method is a no-op
// so callers never have to check for a missing connection.
type NullHandle struct{}

var _ Handle = NullHandle{}

func (NullHandle) On(string, Listener) SubscriptionID { return "" }

func (NullHandle) Off(SubscriptionID) {}

func (NullHandle) Emit(string, ...any) error { return nil }

func (NullHandle) Join(protocol.Channel, ...any) error { return nil }

func (NullHandle) Leave(protocol.Channel, ...any) error { return nil }

// Ready returns ErrSignedOut right away.
func (NullHandle) Ready(context.Context) error { return ErrSignedOut }

func (NullHandle) State() State { return StateIdle }

func (NullHandle) Disconnect() {}
