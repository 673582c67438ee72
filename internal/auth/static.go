package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/doublewordai/waycast/internal/config"
)

// NewStaticStore builds an in-memory store from statically configured API
// keys. Database-less deployments and tests use this as their only
// principal source; deployments with a database use it for bootstrap keys.
func NewStaticStore(entries []config.StaticKeyConfig) (*MemoryStore, error) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, entry := range entries {
		if entry.KeyHash == "" {
			return nil, fmt.Errorf("static key %d: key_hash is required", i)
		}
		userID, err := uuid.Parse(entry.UserID)
		if err != nil {
			return nil, fmt.Errorf("static key %d: invalid user_id: %w", i, err)
		}

		if _, err := store.GetUserByID(ctx, userID); errors.Is(err, ErrNotFound) {
			roles := make([]Role, 0, len(entry.Roles))
			for _, name := range entry.Roles {
				role, ok := ParseRole(name)
				if !ok {
					return nil, fmt.Errorf("static key %d: unknown role %q", i, name)
				}
				roles = append(roles, role)
			}
			user := &User{
				ID:     userID,
				Email:  entry.Email,
				Roles:  roles,
				Admin:  entry.Admin,
				Active: true,
				Models: entry.Models,
			}
			if err := store.CreateUser(ctx, user); err != nil {
				return nil, err
			}
		}

		key := &APIKey{
			UserID: userID,
			Hash:   entry.KeyHash,
			Name:   fmt.Sprintf("static-%d", i),
			Active: true,
			Models: entry.Models,
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// FallbackStore consults a primary store and falls back to a secondary on
// ErrNotFound. It lets statically configured bootstrap keys coexist with a
// database-backed store. Writes always go to the primary.
type FallbackStore struct {
	Primary   Store
	Secondary Store
}

func (s *FallbackStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := s.Primary.GetKeyByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return s.Secondary.GetKeyByHash(ctx, hash)
	}
	return k, err
}

func (s *FallbackStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.Primary.GetUserByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return s.Secondary.GetUserByID(ctx, id)
	}
	return u, err
}

func (s *FallbackStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := s.Primary.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return s.Secondary.GetUserByEmail(ctx, email)
	}
	return u, err
}

func (s *FallbackStore) TouchKey(ctx context.Context, id uuid.UUID) error {
	err := s.Primary.TouchKey(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return s.Secondary.TouchKey(ctx, id)
	}
	return err
}

func (s *FallbackStore) CreateUser(ctx context.Context, u *User) error {
	return s.Primary.CreateUser(ctx, u)
}

func (s *FallbackStore) CreateKey(ctx context.Context, k *APIKey) error {
	return s.Primary.CreateKey(ctx, k)
}
