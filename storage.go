package chatsync

import (
	"context"
	"sync"
)

// Well-known keys in the local key-value store.
const (
	KeyAuthToken          = "auth_token"
	KeyUserID             = "user_id"
	KeyLastUploadedAvatar = "last_uploaded_avatar_uri"
)

// KeyValueStore is the local persistent string storage the client reads
// its auth token and user id from.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory KeyValueStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// tokenFromStore reads the bearer token, treating a missing key as empty.
func tokenFromStore(ctx context.Context, kv KeyValueStore) (string, error) {
	if kv == nil {
		return "", nil
	}
	token, _, err := kv.Get(ctx, KeyAuthToken)
	return token, err
}
