package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is a Store backed by PostgreSQL. It expects the schema
// created by EnsureSchema.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the users and api_keys tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         UUID PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	roles      TEXT[] NOT NULL DEFAULT '{}',
	admin      BOOLEAN NOT NULL DEFAULT FALSE,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	models     TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           UUID PRIMARY KEY,
	user_id      UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	key_hash     TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL DEFAULT '',
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at   TIMESTAMPTZ,
	models       TEXT[] NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_used_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure auth schema: %w", err)
	}
	return nil
}

// GetKeyByHash implements Store.
func (s *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	const query = `
		SELECT id, user_id, key_hash, name, active, expires_at, models, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = $1`

	var k APIKey
	var models pq.StringArray
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&k.ID, &k.UserID, &k.Hash, &k.Name, &k.Active,
		&k.ExpiresAt, &models, &k.CreatedAt, &k.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k.Models = models
	return &k, nil
}

// GetUserByID implements Store.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	const query = `
		SELECT id, email, roles, admin, active, models, created_at, updated_at
		FROM users
		WHERE id = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByEmail implements Store.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	const query = `
		SELECT id, email, roles, admin, active, models, created_at, updated_at
		FROM users
		WHERE email = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, email))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var roles, models pq.StringArray
	err := row.Scan(&u.ID, &u.Email, &roles, &u.Admin, &u.Active, &models, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Roles = make([]Role, 0, len(roles))
	for _, r := range roles {
		role, ok := ParseRole(r)
		if !ok {
			continue
		}
		u.Roles = append(u.Roles, role)
	}
	u.Models = models
	return &u, nil
}

// TouchKey implements Store. Last-used updates are best effort and
// callers fire them asynchronously.
func (s *PostgresStore) TouchKey(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUser implements Store.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	roles := make(pq.StringArray, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, string(r))
	}

	const query = `
		INSERT INTO users (id, email, roles, admin, active, models, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Email, roles, u.Admin, u.Active, pq.StringArray(u.Models), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateKey implements Store.
func (s *PostgresStore) CreateKey(ctx context.Context, k *APIKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO api_keys (id, user_id, key_hash, name, active, expires_at, models, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		k.ID, k.UserID, k.Hash, k.Name, k.Active, k.ExpiresAt, pq.StringArray(k.Models), k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}
