package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// TokenHasher derives deterministic, salted hashes for enrollment tokens and
// agent secrets.
type TokenHasher struct {
	salt []byte
}

func NewTokenHasher(salt []byte) TokenHasher {
	return TokenHasher{salt: append([]byte(nil), salt...)}
}

// HashString hashes the given token using HMAC-SHA256 and returns a base64 string.
func (h TokenHasher) HashString(token string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Matches compares token against a stored hash in constant time.
func (h TokenHasher) Matches(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return hmac.Equal([]byte(h.HashString(token)), []byte(hash))
}

// newSecret returns n random bytes, URL-safe encoded.
func newSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
