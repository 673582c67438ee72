package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore reads the deployment catalog from PostgreSQL. The model
// sync service maintains these rows; the gateway treats them as the
// source of truth when a database is configured.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the deployments table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id                  UUID PRIMARY KEY,
	alias               TEXT NOT NULL UNIQUE,
	upstream_url        TEXT NOT NULL,
	kind                TEXT NOT NULL,
	model_id            TEXT NOT NULL DEFAULT '',
	auth_header_name    TEXT NOT NULL DEFAULT '',
	auth_header_prefix  TEXT NOT NULL DEFAULT '',
	credential_ref      TEXT NOT NULL DEFAULT '',
	requests_per_second DOUBLE PRECISION NOT NULL DEFAULT 0,
	burst_size          INTEGER NOT NULL DEFAULT 0,
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure deployments schema: %w", err)
	}
	return nil
}

const deploymentColumns = `id, alias, upstream_url, kind, model_id, auth_header_name,
	auth_header_prefix, credential_ref, requests_per_second, burst_size, active,
	created_at, updated_at`

// GetByAlias implements Store.
func (s *PostgresStore) GetByAlias(ctx context.Context, alias string) (*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE alias = $1`

	var d Deployment
	err := s.db.QueryRowContext(ctx, query, alias).Scan(
		&d.ID, &d.Alias, &d.UpstreamURL, &d.Kind, &d.ModelID, &d.AuthHeaderName,
		&d.AuthHeaderPrefix, &d.CredentialRef, &d.RequestsPerSecond, &d.BurstSize, &d.Active,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return &d, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY alias`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(
			&d.ID, &d.Alias, &d.UpstreamURL, &d.Kind, &d.ModelID, &d.AuthHeaderName,
			&d.AuthHeaderPrefix, &d.CredentialRef, &d.RequestsPerSecond, &d.BurstSize, &d.Active,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return out, nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, d *Deployment) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	const query = `
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (alias) DO UPDATE SET
			upstream_url = EXCLUDED.upstream_url,
			kind = EXCLUDED.kind,
			model_id = EXCLUDED.model_id,
			auth_header_name = EXCLUDED.auth_header_name,
			auth_header_prefix = EXCLUDED.auth_header_prefix,
			credential_ref = EXCLUDED.credential_ref,
			requests_per_second = EXCLUDED.requests_per_second,
			burst_size = EXCLUDED.burst_size,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.Alias, d.UpstreamURL, d.Kind, d.ModelID, d.AuthHeaderName,
		d.AuthHeaderPrefix, d.CredentialRef, d.RequestsPerSecond, d.BurstSize, d.Active,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert deployment: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, alias string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE alias = $1`, alias)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
