// Package realtime multiplexes many feature-level handles onto one WebSocket
// connection per signed-in identity and keeps their room memberships and
// event bindings alive across reconnects.
//
// Consumers only see Registry.Handle and the Handle interface. Everything
// else (the physical connection, its state machine and the per-handle
// ledgers) is internal.
package realtime

import (
	"context"
	"errors"

	"github.com/amurg-ai/deskline/pkg/protocol"
)

var (
	// ErrServerClosed is reported by a Link when the server closed it with a
	// close frame. The controller reconnects right away instead of waiting.
	ErrServerClosed = errors.New("closed by server")
	// ErrUnauthorized is returned by Dial when the server rejected the token.
	ErrUnauthorized = errors.New("realtime token rejected")
	// ErrConnectivity is the terminal error once every reconnect attempt failed.
	ErrConnectivity = errors.New("realtime connectivity lost")
	// ErrAuthRejected is the terminal error when the server keeps rejecting
	// the token even after a refresh. The session is treated as expired.
	ErrAuthRejected = errors.New("realtime authentication rejected")
	// ErrReloadRequired means the stored session no longer matches the
	// connection (expired token, sign out, identity change) and callers must
	// acquire new handles.
	ErrReloadRequired = errors.New("session reload required")
	// ErrClosed is returned by handles whose connection was torn down.
	ErrClosed = errors.New("connection closed")
	// ErrHandleClosed is returned by a handle after Disconnect.
	ErrHandleClosed = errors.New("handle disconnected")
	// ErrNotConnected is returned by Emit for a non-room event while the
	// connection is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrSignedOut is returned by NullHandle.Ready.
	ErrSignedOut = errors.New("not signed in")
)

// DialParams parameterise one connection attempt.
type DialParams struct {
	Token string
	// Reconnect marks attempts made after a previously open link dropped.
	Reconnect bool
}

// Transport opens links to the realtime backend.
type Transport interface {
	Dial(ctx context.Context, p DialParams) (Link, error)
}

// Link is one established transport connection. Send is safe for concurrent
// use. Receive is closed when the link ends, after which Err reports why.
type Link interface {
	Send(env protocol.Envelope) error
	Receive() <-chan protocol.Envelope
	Err() error
	Close() error
}
