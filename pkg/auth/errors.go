package auth

import "errors"

var (
	// ErrNotEnrolled means no credential is stored, or the platform no longer
	// recognizes the stored one.
	ErrNotEnrolled = errors.New("agent not enrolled")
	// ErrExpired means the credential is past its expiry and could not be
	// refreshed.
	ErrExpired = errors.New("credential expired")
	// ErrInvalidToken means the platform rejected the enrollment token.
	ErrInvalidToken = errors.New("enrollment token rejected")
	// ErrUnreachable means the platform could not be reached or answered 5xx.
	ErrUnreachable = errors.New("platform unreachable")
)
