package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// IdentityStore holds the local user id for the whole process. The id is
// resolved asynchronously at startup, so readers must tolerate the
// unresolved state and subscribe to learn when it changes.
type IdentityStore struct {
	mu       sync.RWMutex
	userID   string
	resolved bool
	nextSub  int
	subs     map[int]func(string)
}

// NewIdentityStore creates an unresolved identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{subs: make(map[int]func(string))}
}

// Get returns the local user id and whether it has been resolved.
func (s *IdentityStore) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.resolved
}

// UserID returns the local user id, or "" while unresolved.
func (s *IdentityStore) UserID() string {
	id, _ := s.Get()
	return id
}

// Resolved reports whether the local user id is known.
func (s *IdentityStore) Resolved() bool {
	_, ok := s.Get()
	return ok
}

// Set resolves the local user id. Subscribers are notified only when the
// value actually changes.
func (s *IdentityStore) Set(userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.Clear()
		return
	}
	s.mu.Lock()
	if s.resolved && s.userID == userID {
		s.mu.Unlock()
		return
	}
	s.userID = userID
	s.resolved = true
	subs := s.snapshotSubs()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(userID)
	}
}

// Clear returns the store to the unresolved state (e.g. on logout).
func (s *IdentityStore) Clear() {
	s.mu.Lock()
	if !s.resolved {
		s.mu.Unlock()
		return
	}
	s.userID = ""
	s.resolved = false
	subs := s.snapshotSubs()
	s.mu.Unlock()

	for _, fn := range subs {
		fn("")
	}
}

// Subscribe registers fn to be called with the new id on every change.
// The returned function removes the subscription.
func (s *IdentityStore) Subscribe(fn func(userID string)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs == nil {
		s.subs = make(map[int]func(string))
	}
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Load resolves the identity from persistent storage. A missing key leaves
// the store unresolved and is not an error.
func (s *IdentityStore) Load(ctx context.Context, kv KeyValueStore) error {
	id, ok, err := kv.Get(ctx, KeyUserID)
	if err != nil {
		return fmt.Errorf("load user id: %w", err)
	}
	if ok {
		s.Set(id)
	}
	return nil
}

func (s *IdentityStore) snapshotSubs() []func(string) {
	subs := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}
