package credential

import (
	"context"
	"sync"
)

// MemoryStore keeps the credential in process memory only.
type MemoryStore struct {
	mu   sync.Mutex
	cred *Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(_ context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return Credential{}, ErrNotFound
	}
	return *s.cred, nil
}

func (s *MemoryStore) Set(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cred
	s.cred = &c
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
