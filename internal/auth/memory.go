package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. It backs library mode, tests, and
// database-less deployments seeded from configuration. All returns are
// copies so callers can never mutate shared state.
type MemoryStore struct {
	mu           sync.RWMutex
	usersByID    map[uuid.UUID]*User
	usersByEmail map[string]uuid.UUID
	keysByHash   map[string]*APIKey
	keysByID     map[uuid.UUID]*APIKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usersByID:    make(map[uuid.UUID]*User),
		usersByEmail: make(map[string]uuid.UUID),
		keysByHash:   make(map[string]*APIKey),
		keysByID:     make(map[uuid.UUID]*APIKey),
	}
}

// GetKeyByHash implements Store.
func (s *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keysByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

// GetUserByID implements Store.
func (s *MemoryStore) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usersByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByEmail implements Store.
func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(s.usersByID[id]), nil
}

// TouchKey implements Store.
func (s *MemoryStore) TouchKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keysByID[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

// CreateUser implements Store.
func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt

	cp := copyUser(u)
	s.usersByID[cp.ID] = cp
	s.usersByEmail[cp.Email] = cp.ID
	return nil
}

// CreateKey implements Store.
func (s *MemoryStore) CreateKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	cp := copyKey(k)
	s.keysByHash[cp.Hash] = cp
	s.keysByID[cp.ID] = cp
	return nil
}

func copyUser(u *User) *User {
	cp := *u
	cp.Roles = append([]Role(nil), u.Roles...)
	cp.Models = append([]string(nil), u.Models...)
	return &cp
}

func copyKey(k *APIKey) *APIKey {
	cp := *k
	cp.Models = append([]string(nil), k.Models...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
