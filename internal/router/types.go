// Package router resolves public model aliases to serving deployments.
// The deployment catalog is owned by the external sync service; the
// gateway only reads it, through a short-lived cache.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no deployment matches.
var ErrNotFound = errors.New("router: deployment not found")

// Deployment describes one upstream serving endpoint published under an
// alias. AuthHeaderName and AuthHeaderPrefix default to standard bearer
// auth when empty; CredentialRef is a secret reference resolved at
// dispatch time, never a raw credential.
type Deployment struct {
	ID                uuid.UUID `json:"id"`
	Alias             string    `json:"alias"`
	UpstreamURL       string    `json:"upstream_url"`
	Kind              string    `json:"kind"`
	ModelID           string    `json:"model_id"`
	AuthHeaderName    string    `json:"auth_header_name,omitempty"`
	AuthHeaderPrefix  string    `json:"auth_header_prefix,omitempty"`
	CredentialRef     string    `json:"-"`
	RequestsPerSecond float64   `json:"requests_per_second,omitempty"`
	BurstSize         int       `json:"burst_size,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UpstreamModel returns the model identifier to send upstream. Falls back
// to the alias when the deployment does not rename the model.
func (d *Deployment) UpstreamModel() string {
	if d.ModelID != "" {
		return d.ModelID
	}
	return d.Alias
}

// Store is the read/write surface over the deployment catalog. The
// gateway's request path only reads; writes serve seeding and tests.
type Store interface {
	GetByAlias(ctx context.Context, alias string) (*Deployment, error)
	List(ctx context.Context) ([]*Deployment, error)
	Upsert(ctx context.Context, d *Deployment) error
	Delete(ctx context.Context, alias string) error
}
