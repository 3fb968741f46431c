package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/events"
	"github.com/haasonsaas/steward/pkg/transport"
)

// Enroll exchanges a one-time token for a credential and persists it,
// replacing any credential already stored. A 4xx answer is ErrInvalidToken;
// network failures and 5xx are ErrUnreachable and may be retried.
func (m *Manager) Enroll(ctx context.Context, token string, device any) (credential.Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return credential.Credential{}, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}

	resp, err := m.platform.Enroll(ctx, token, device)
	if err != nil {
		if transport.IsClientError(err) && !transport.IsRetryable(err) {
			return credential.Credential{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return credential.Credential{}, classify("enroll", err)
	}

	cred := credential.Credential{
		Identity:  resp.Identity,
		Secret:    resp.Secret,
		ExpiresAt: resp.ExpiresAt,
		IssuedAt:  m.now(),
	}
	if !cred.Valid() {
		return credential.Credential{}, fmt.Errorf("enroll: platform response missing identity or secret")
	}

	m.mu.Lock()
	if err := m.store.Set(ctx, cred); err != nil {
		m.mu.Unlock()
		return credential.Credential{}, fmt.Errorf("persist credential: %w", err)
	}
	m.cred = &cred
	m.loaded = true
	m.gen++
	m.mu.Unlock()

	m.logger.Info().Str("identity", cred.Identity).Msg("Enrolled with platform")
	m.events.Publish(events.Event{Kind: events.Enrolled, Time: m.now(), Identity: cred.Identity})
	return cred, nil
}
