package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

// FileStore keeps the credential encrypted at rest. The ciphertext lives at
// Path and is sealed to an age X25519 identity kept at KeyPath (0600). The key
// is generated the first time a credential is written.
type FileStore struct {
	path    string
	keyPath string

	mu sync.Mutex
}

// NewFileStore returns a store writing to path, with the age identity at keyPath.
func NewFileStore(path, keyPath string) *FileStore {
	return &FileStore{path: path, keyPath: keyPath}
}

// Path returns the ciphertext location.
func (s *FileStore) Path() string { return s.path }

// Check verifies that an existing credential can be decrypted. A missing
// credential is not an error; a corrupt one is.
func (s *FileStore) Check(ctx context.Context) error {
	_, err := s.Get(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *FileStore) Get(_ context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("read credential: %w", err)
	}

	identity, err := s.loadIdentity()
	if err != nil {
		return Credential{}, err
	}

	r, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt credential %s: %w", s.path, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt credential %s: %w", s.path, err)
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential %s: %w", s.path, err)
	}
	if !cred.Valid() {
		return Credential{}, fmt.Errorf("credential %s is incomplete", s.path)
	}
	return cred, nil
}

func (s *FileStore) Set(_ context.Context, cred Credential) error {
	if !cred.Valid() {
		return errors.New("refusing to store credential without identity and secret")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	identity, err := s.loadOrCreateIdentity()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, identity.Recipient())
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize credential encryption: %w", err)
	}

	return writeFileAtomic(s.path, sealed.Bytes(), 0o600)
}

// Clear removes the persisted credential. The age key is kept so a later
// enrollment reuses it.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

func (s *FileStore) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read credential key: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse credential key %s: %w", s.keyPath, err)
	}
	return identity, nil
}

func (s *FileStore) loadOrCreateIdentity() (*age.X25519Identity, error) {
	identity, err := s.loadIdentity()
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	identity, err = age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate credential key: %w", err)
	}
	if err := writeFileAtomic(s.keyPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, err
	}
	return identity, nil
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it over path, so readers never see a partial credential.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
