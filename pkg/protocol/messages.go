// Package protocol defines the wire formats exchanged between deskline clients
// and the ticketing backend: the realtime frame layout, the auth endpoint
// payloads and the channel naming scheme used to simulate rooms.
//
// Realtime frames are JSON arrays whose first element is the event name and
// whose remaining elements are positional arguments:
//
//	["joinChatBox", "42"]
//	["company-7-ticket", {"action": "update", "ticket": {...}}]
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// HTTP endpoints used by the auth layer.
const (
	PathLogin        = "/auth/login"
	PathRefreshToken = "/auth/refresh_token"
	PathLogout       = "/auth/logout"
)

// Query parameters carried on the realtime dial URL.
const (
	QueryToken     = "token"
	QueryReconnect = "reconnect"
)

// Reserved event names. They are never sent on the wire; handles bind them
// to the connection's readiness gate instead.
const (
	EventReady   = "ready"
	EventConnect = "connect"
)

// ErrNoArg is returned by Envelope.Decode for an out-of-range argument index.
var ErrNoArg = errors.New("argument index out of range")

// Envelope is one realtime frame.
type Envelope struct {
	Event string
	Args  []json.RawMessage
}

// NewEnvelope encodes args into an Envelope for event.
func NewEnvelope(event string, args ...any) (Envelope, error) {
	env := Envelope{Event: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s arg %d: %w", event, i, err)
		}
		env.Args = append(env.Args, raw)
	}
	return env, nil
}

// Decode unmarshals argument i into v.
func (e Envelope) Decode(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("%s[%d]: %w", e.Event, i, ErrNoArg)
	}
	return json.Unmarshal(e.Args[i], v)
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	frame := make([]json.RawMessage, 0, len(e.Args)+1)
	name, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	frame = append(frame, name)
	frame = append(frame, e.Args...)
	return json.Marshal(frame)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var frame []json.RawMessage
	if err := json.Unmarshal(b, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if len(frame) == 0 {
		return errors.New("decode frame: empty frame")
	}
	if err := json.Unmarshal(frame[0], &e.Event); err != nil {
		return fmt.Errorf("decode frame event: %w", err)
	}
	if e.Event == "" {
		return errors.New("decode frame: empty event name")
	}
	e.Args = frame[1:]
	return nil
}

// --- Auth endpoints ---

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the account summary returned alongside a token.
type User struct {
	ID        ID     `json:"id"`
	CompanyID ID     `json:"companyId"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// TokenResponse is returned by both the login and refresh endpoints.
type TokenResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ErrorResponse is the JSON error body written by the backend.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ID is an identifier the backend may encode either as a JSON number or a
// JSON string. It is always held as a string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id: %s", b)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("invalid id: %s", b)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
