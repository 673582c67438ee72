package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no record matches.
var ErrNotFound = errors.New("auth: not found")

// Store is the principal source the authenticator reads. The admin
// surface owns all writes; the write methods below exist for it (and for
// seeding dev/test fixtures), never for the request pipeline.
type Store interface {
	// GetKeyByHash returns the key record whose stored hash matches.
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)

	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)

	// GetUserByEmail returns a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// TouchKey records key usage. Best effort; failures are logged, not
	// surfaced.
	TouchKey(ctx context.Context, id uuid.UUID) error

	// CreateUser inserts a user.
	CreateUser(ctx context.Context, u *User) error

	// CreateKey inserts an API key record.
	CreateKey(ctx context.Context, k *APIKey) error
}
