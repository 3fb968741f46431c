// Package auth owns the agent's enrollment credential: enrolling, keeping it
// fresh, and dropping it when the platform disowns the agent.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/events"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshBuffer is how long before expiry EnsureValid starts refreshing.
const DefaultRefreshBuffer = 5 * time.Minute

// Platform is the subset of the platform API the manager calls.
type Platform interface {
	Enroll(ctx context.Context, token string, device any) (*transport.EnrollResponse, error)
	Refresh(ctx context.Context, cred credential.Credential) (*transport.RefreshResponse, error)
}

// Manager serializes every credential mutation behind one mutex. Network
// calls run outside the lock; a generation counter discards refresh results
// that raced with a reset or re-enrollment.
type Manager struct {
	store         credential.Store
	platform      Platform
	events        events.Publisher
	refreshBuffer time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	mu     sync.Mutex
	loaded bool
	cred   *credential.Credential
	gen    uint64

	refreshes singleflight.Group
}

type Option func(*Manager)

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.events = p
		}
	}
}

func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.refreshBuffer = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store credential.Store, platform Platform, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		platform:      platform,
		events:        events.Discard,
		refreshBuffer: DefaultRefreshBuffer,
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads the persisted credential. It fails only when the store is
// unreadable; a missing credential is not an error.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.syncLocked(ctx)
	return err
}

// syncLocked reconciles the cached credential with the store. The store is
// authoritative: another process (the CLI enrolling or resetting) may have
// changed it since the last read.
func (m *Manager) syncLocked(ctx context.Context) (*credential.Credential, error) {
	stored, err := m.store.Get(ctx)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		stored = credential.Credential{}
	case err != nil:
		return m.cred, fmt.Errorf("load credential: %w", err)
	case !stored.Valid():
		if !m.loaded {
			m.logger.Warn().Msg("Ignoring incomplete stored credential")
		}
		stored = credential.Credential{}
	}
	first := !m.loaded
	m.loaded = true

	switch {
	case !stored.Valid() && m.cred == nil:
	case !stored.Valid():
		identity := m.cred.Identity
		m.cred = nil
		m.gen++
		m.logger.Warn().Str("identity", identity).Msg("Credential removed from store; agent unenrolled")
		m.events.Publish(events.Event{Kind: events.Unenrolled, Time: m.now(), Identity: identity, Message: "credential removed from store"})
	case m.cred == nil:
		m.cred = &stored
		m.gen++
		if !first {
			m.logger.Info().Str("identity", stored.Identity).Msg("Picked up credential from store")
			m.events.Publish(events.Event{Kind: events.Enrolled, Time: m.now(), Identity: stored.Identity})
		}
	case !sameCredential(*m.cred, stored):
		prev := m.cred.Identity
		m.cred = &stored
		m.gen++
		if prev != stored.Identity {
			m.logger.Info().Str("identity", stored.Identity).Str("previous", prev).Msg("Credential replaced in store")
			m.events.Publish(events.Event{Kind: events.Enrolled, Time: m.now(), Identity: stored.Identity})
		}
	}
	return m.cred, nil
}

func sameCredential(a, b credential.Credential) bool {
	if a.Identity != b.Identity || a.Secret != b.Secret {
		return false
	}
	if a.ExpiresAt == nil || b.ExpiresAt == nil {
		return a.ExpiresAt == nil && b.ExpiresAt == nil
	}
	return a.ExpiresAt.Equal(*b.ExpiresAt)
}

func (m *Manager) current(ctx context.Context) (credential.Credential, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, err := m.syncLocked(ctx)
	if err != nil {
		return credential.Credential{}, m.gen, err
	}
	if cred == nil {
		return credential.Credential{}, m.gen, ErrNotEnrolled
	}
	return *cred, m.gen, nil
}

// EnsureValid returns a credential safe to use now. A credential inside the
// refresh buffer is refreshed once; if that fails, the old one is returned
// while it is still unexpired, and ErrExpired after that.
func (m *Manager) EnsureValid(ctx context.Context) (credential.Credential, error) {
	cred, _, err := m.current(ctx)
	if err != nil {
		return credential.Credential{}, err
	}
	if !cred.ExpiresWithin(m.now(), m.refreshBuffer) {
		return cred, nil
	}

	fresh, err := m.Refresh(ctx)
	if err == nil {
		return fresh, nil
	}
	if errors.Is(err, ErrNotEnrolled) {
		return credential.Credential{}, err
	}
	if !cred.Expired(m.now()) {
		m.logger.Warn().Err(err).Time("expires_at", *cred.ExpiresAt).Msg("Credential refresh failed; using current credential until expiry")
		return cred, nil
	}
	return credential.Credential{}, fmt.Errorf("%w: %w", ErrExpired, err)
}

// Refresh exchanges the current secret for a new one. Concurrent callers
// share one in-flight request. A 401 or 404 from the platform clears the
// credential and returns ErrNotEnrolled; other failures leave it untouched.
func (m *Manager) Refresh(ctx context.Context) (credential.Credential, error) {
	v, err, shared := m.refreshes.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if shared {
		m.logger.Debug().Msg("Joined in-flight credential refresh")
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return v.(credential.Credential), nil
}

func (m *Manager) refresh(ctx context.Context) (credential.Credential, error) {
	cred, gen, err := m.current(ctx)
	if err != nil {
		return credential.Credential{}, err
	}

	resp, err := m.platform.Refresh(ctx, cred)
	if err != nil {
		if transport.IsUnauthorized(err) || transport.IsNotFound(err) {
			m.clearIfCurrent(ctx, gen, "credential refresh rejected: "+err.Error())
			return credential.Credential{}, fmt.Errorf("%w: %w", ErrNotEnrolled, err)
		}
		return credential.Credential{}, classify("refresh", err)
	}
	if resp.Secret == "" {
		return credential.Credential{}, fmt.Errorf("refresh: platform returned an empty secret")
	}

	next := credential.Credential{
		Identity:  cred.Identity,
		Secret:    resp.Secret,
		ExpiresAt: resp.ExpiresAt,
		IssuedAt:  m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.syncLocked(ctx); err != nil {
		return credential.Credential{}, err
	}
	if m.gen != gen {
		// Reset or re-enrolled while the request was in flight, here or in
		// another process.
		if m.cred == nil {
			return credential.Credential{}, ErrNotEnrolled
		}
		return *m.cred, nil
	}
	if err := m.store.Set(ctx, next); err != nil {
		return credential.Credential{}, fmt.Errorf("persist refreshed credential: %w", err)
	}
	m.cred = &next
	m.gen++
	m.logger.Info().Str("identity", next.Identity).Msg("Credential refreshed")
	return next, nil
}

// Invalidate clears the credential after the platform reported the agent
// unknown. It is a no-op when not enrolled.
func (m *Manager) Invalidate(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, err := m.syncLocked(ctx)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}
	return m.clearLocked(ctx, cred.Identity, reason)
}

// Reset clears the credential unconditionally. Calling it twice is the same
// as calling it once.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, _ := m.syncLocked(ctx)
	if cred == nil {
		if err := m.store.Clear(ctx); err != nil {
			return fmt.Errorf("clear credential: %w", err)
		}
		return nil
	}
	return m.clearLocked(ctx, cred.Identity, "reset")
}

func (m *Manager) clearIfCurrent(ctx context.Context, gen uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.cred == nil {
		return
	}
	if err := m.clearLocked(ctx, m.cred.Identity, reason); err != nil {
		m.logger.Error().Err(err).Msg("Failed to clear rejected credential")
	}
}

func (m *Manager) clearLocked(ctx context.Context, identity, reason string) error {
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	m.cred = nil
	m.gen++
	m.logger.Warn().Str("identity", identity).Str("reason", reason).Msg("Agent unenrolled")
	m.events.Publish(events.Event{Kind: events.Unenrolled, Time: m.now(), Identity: identity, Message: reason})
	return nil
}

// Enrolled reports whether a credential is stored. It re-reads the store, so
// an enrollment made by another process is seen on the next call.
func (m *Manager) Enrolled() bool {
	_, _, err := m.current(context.Background())
	return err == nil
}

// CredentialValid reports whether the stored credential is unexpired.
func (m *Manager) CredentialValid() bool {
	cred, _, err := m.current(context.Background())
	return err == nil && !cred.Expired(m.now())
}

// Identity returns the enrolled identity, or "".
func (m *Manager) Identity() string {
	cred, _, err := m.current(context.Background())
	if err != nil {
		return ""
	}
	return cred.Identity
}

// classify maps a transport failure onto ErrUnreachable when retrying could
// help.
func classify(op string, err error) error {
	var te *transport.Error
	if !errors.As(err, &te) || transport.IsRetryable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnreachable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
