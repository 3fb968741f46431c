// Package credential persists the agent's single enrollment credential.
package credential

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no credential is persisted.
var ErrNotFound = errors.New("credential not found")

// Credential is the enrollment identity plus the bearer secret issued by the
// platform. A nil ExpiresAt means the secret does not expire.
type Credential struct {
	Identity  string     `json:"identity"`
	Secret    string     `json:"secret"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires within d of now.
// Credentials without an expiry never do.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt != nil && !now.Add(d).Before(*c.ExpiresAt)
}

// Valid reports whether the credential carries an identity and a secret.
func (c Credential) Valid() bool {
	return c.Identity != "" && c.Secret != ""
}

// Store holds at most one credential.
type Store interface {
	Get(ctx context.Context) (Credential, error)
	Set(ctx context.Context, cred Credential) error
	Clear(ctx context.Context) error
}
