// Package secret resolves credential references attached to deployments.
// A reference is either a literal value, "env://VAR", or
// "vault://path/to/secret#key". Upstream credentials never appear in
// config files or the deployment catalog in the clear.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/doublewordai/waycast/internal/config"
)

// Resolver turns a credential reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
	Close() error
}

// Registry routes references to resolvers by scheme. References without a
// scheme pass through as literals.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// NewFromConfig builds a registry with the env resolver always registered
// and the vault resolver when enabled.
func NewFromConfig(cfg config.SecretsConfig) (*Registry, error) {
	r := NewRegistry()
	r.Register("env", &EnvResolver{})

	if cfg.Vault.Enabled {
		vr, err := NewVaultResolver(VaultConfig{
			Address:    cfg.Vault.Address,
			AuthMethod: cfg.Vault.AuthMethod,
			Token:      cfg.Vault.Token,
			RoleID:     cfg.Vault.RoleID,
			SecretID:   cfg.Vault.SecretID,
			CACert:     cfg.Vault.CACert,
			ClientCert: cfg.Vault.ClientCert,
			ClientKey:  cfg.Vault.ClientKey,
		})
		if err != nil {
			return nil, err
		}
		r.Register("vault", vr)
	}
	return r, nil
}

// Register binds a scheme to a resolver.
func (r *Registry) Register(scheme string, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[scheme] = resolver
}

// Resolve implements Resolver.
func (r *Registry) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, rest, found := strings.Cut(ref, "://")
	if !found {
		return ref, nil
	}

	r.mu.RLock()
	resolver, ok := r.resolvers[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret resolver for scheme %q", scheme)
	}
	return resolver.Resolve(ctx, rest)
}

// Close closes all registered resolvers.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, resolver := range r.resolvers {
		if err := resolver.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret resolvers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Cached decorates a Resolver with expiring in-memory caching so the
// dispatch path does not hit the secret backend per request.
type Cached struct {
	inner Resolver
	cache *cache.Cache
}

// NewCached wraps a resolver. Values expire after ttl.
func NewCached(inner Resolver, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{inner: inner, cache: cache.New(ttl, 2*ttl)}
}

// Resolve implements Resolver.
func (c *Cached) Resolve(ctx context.Context, ref string) (string, error) {
	if v, ok := c.cache.Get(ref); ok {
		return v.(string), nil
	}
	val, err := c.inner.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	c.cache.Set(ref, val, cache.DefaultExpiration)
	return val, nil
}

// Close closes the inner resolver.
func (c *Cached) Close() error {
	return c.inner.Close()
}
