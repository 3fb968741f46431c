package credential

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(filepath.Join(dir, "state", "credential.age"), filepath.Join(dir, "state", "credential.key"))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	_, err := store.Get(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	want := Credential{Identity: "A1", Secret: "S1", ExpiresAt: &expires, IssuedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, store.Set(ctx, want))

	got, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, want.Identity, got.Identity)
	require.Equal(t, want.Secret, got.Secret)
	require.True(t, want.ExpiresAt.Equal(*got.ExpiresAt))
}

func TestFileStoreEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.Set(ctx, Credential{Identity: "agent-visible", Secret: "super-secret-value"}))

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.False(t, bytes.Contains(raw, []byte("super-secret-value")))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.Set(ctx, Credential{Identity: "A1", Secret: "S1"}))

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))

	_, err := store.Get(ctx)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreCorruptCredential(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.Set(ctx, Credential{Identity: "A1", Secret: "S1"}))
	require.NoError(t, os.WriteFile(store.Path(), []byte("not age ciphertext"), 0o600))

	_, err := store.Get(ctx)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotFound))
	require.Error(t, store.Check(ctx))
}

func TestFileStoreRejectsIncompleteCredential(t *testing.T) {
	store := newTestFileStore(t)
	require.Error(t, store.Set(context.Background(), Credential{Identity: "A1"}))
}

func TestCredentialExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	soon := now.Add(2 * time.Minute)

	require.True(t, Credential{ExpiresAt: &past}.Expired(now))
	require.False(t, Credential{ExpiresAt: &soon}.Expired(now))
	require.False(t, Credential{}.Expired(now))

	require.True(t, Credential{ExpiresAt: &soon}.ExpiresWithin(now, 5*time.Minute))
	require.False(t, Credential{ExpiresAt: &soon}.ExpiresWithin(now, time.Minute))
	require.False(t, Credential{}.ExpiresWithin(now, time.Hour))
}
