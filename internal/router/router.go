package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

// Router resolves aliases against the catalog through a positive cache.
// Misses and inactive deployments are never cached, so a deployment
// flipped active serves immediately while revocations take at most one
// cache TTL unless Invalidate is called.
type Router struct {
	store  Store
	cache  *cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Router over a catalog store.
func New(store Store, cacheTTL time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Router{
		store:  store,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		ttl:    cacheTTL,
		logger: logger,
	}
}

// Resolve maps an alias to its deployment. Unknown and inactive aliases
// both produce a routing error; callers cannot distinguish them.
func (r *Router) Resolve(ctx context.Context, alias string) (*Deployment, error) {
	if alias == "" {
		return nil, gatewayerr.NewRouting(alias)
	}

	if v, ok := r.cache.Get(alias); ok {
		d := v.(Deployment)
		return &d, nil
	}

	d, err := r.store.GetByAlias(ctx, alias)
	if errors.Is(err, ErrNotFound) {
		return nil, gatewayerr.NewRouting(alias)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve alias %q: %w", alias, err)
	}
	if !d.Active {
		return nil, gatewayerr.NewRouting(alias)
	}

	r.cache.Set(alias, *d, r.ttl)
	return d, nil
}

// ByID finds a deployment by id, active or not. The probe entry point
// uses this so operators can test a deployment before activating it.
// Uncached; probe traffic is low-volume.
func (r *Router) ByID(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	for _, d := range all {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

// Models lists the active deployments, for the model listing endpoint.
func (r *Router) Models(ctx context.Context) ([]*Deployment, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]*Deployment, 0, len(all))
	for _, d := range all {
		if d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

// Invalidate drops one alias from the cache.
func (r *Router) Invalidate(alias string) {
	r.cache.Delete(alias)
}

// InvalidateAll clears the cache. Config reload calls this after swapping
// the catalog.
func (r *Router) InvalidateAll() {
	r.cache.Flush()
}
