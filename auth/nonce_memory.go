package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryNonceStore keeps challenges in process memory behind a mutex.
// Suitable for single-node deployments and tests. Multi-node deployments must
// use GormNonceStore so consumption stays atomic across processes.
type MemoryNonceStore struct {
	mu     sync.Mutex
	tokens map[string]*Nonce
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{tokens: make(map[string]*Nonce)}
}

func (s *MemoryNonceStore) Insert(ctx context.Context, nonce *Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[nonce.Token]; exists {
		return fmt.Errorf("nonce token already issued")
	}
	cloned := *nonce
	s.tokens[nonce.Token] = &cloned
	return nil
}

func (s *MemoryNonceStore) Find(ctx context.Context, token string) (*Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tokens[token]
	if !ok {
		return nil, ErrNonceNotFound
	}
	cloned := *stored
	return &cloned, nil
}

func (s *MemoryNonceStore) Consume(ctx context.Context, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tokens[token]
	if !ok || !stored.Usable(now) {
		return ErrNonceNotFound
	}
	consumed := now
	stored.ConsumedAt = &consumed
	return nil
}

func (s *MemoryNonceStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for token, stored := range s.tokens {
		if !now.Before(stored.ExpiresAt) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed, nil
}
