// Package credential persists the bearer token and the tenant/user identity
// it belongs to. The store is the single source of truth for "who is signed
// in"; every other component reads it and only the auth layer writes it.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential means nobody is signed in.
	ErrNoCredential = errors.New("no credential")
	// ErrMalformedToken means the persisted token cannot be parsed. Callers
	// treat it the same as an expired session.
	ErrMalformedToken = errors.New("malformed token")
)

// expirySkew treats tokens about to expire as already expired so a dial or
// request is not started with a token that dies in flight.
const expirySkew = 5 * time.Second

// Identity decides whether an existing realtime connection may be reused.
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.TenantID == "" && i.UserID == "" }

func (i Identity) String() string { return i.TenantID + "/" + i.UserID }

// Credential is the persisted session record.
type Credential struct {
	Token    string `json:"token"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Identity returns the connection identity of the credential.
func (c Credential) Identity() Identity {
	return Identity{TenantID: c.TenantID, UserID: c.UserID}
}

// ExpiresAt reads the exp claim of the token. The signature is not checked:
// the client never holds the signing key and the server validates anyway.
func (c Credential) ExpiresAt() (time.Time, error) {
	if c.Token == "" {
		return time.Time{}, ErrMalformedToken
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}
	return claims.ExpiresAt.Time, nil
}

// Expired reports whether the token is expired (or within the skew window) at now.
func (c Credential) Expired(now time.Time) (bool, error) {
	exp, err := c.ExpiresAt()
	if err != nil {
		return true, err
	}
	return !now.Add(expirySkew).Before(exp), nil
}

// Validate checks that the credential can be used at all.
func (c Credential) Validate() error {
	_, err := c.ExpiresAt()
	return err
}

// Store persists a single credential.
type Store interface {
	// Load returns the current credential, ErrNoCredential when nobody is
	// signed in, or an error wrapping ErrMalformedToken when the persisted
	// record cannot be used.
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, c Credential) error
	Clear(ctx context.Context) error
	Close() error
}
