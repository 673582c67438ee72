package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doublewordai/waycast/internal/config"
)

// MemoryStore is an in-memory deployment catalog, seeded from static
// configuration or by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byAlias map[string]*Deployment
}

// NewMemoryStore creates an empty catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAlias: make(map[string]*Deployment)}
}

// NewMemoryStoreFromConfig seeds a catalog from configured deployments.
func NewMemoryStoreFromConfig(deployments []config.DeploymentConfig) *MemoryStore {
	s := NewMemoryStore()
	now := time.Now().UTC()
	for _, dc := range deployments {
		d := &Deployment{
			ID:                uuid.New(),
			Alias:             dc.Alias,
			UpstreamURL:       dc.UpstreamURL,
			Kind:              dc.Kind,
			ModelID:           dc.ModelID,
			AuthHeaderName:    dc.AuthHeaderName,
			AuthHeaderPrefix:  dc.AuthHeaderPrefix,
			CredentialRef:     dc.CredentialRef,
			RequestsPerSecond: dc.RequestsPerSecond,
			BurstSize:         dc.BurstSize,
			Active:            !dc.Inactive,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		s.byAlias[d.Alias] = d
	}
	return s
}

// GetByAlias implements Store.
func (s *MemoryStore) GetByAlias(_ context.Context, alias string) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byAlias[alias]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// List implements Store. Results are sorted by alias for stable output.
func (s *MemoryStore) List(_ context.Context) ([]*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Deployment, 0, len(s.byAlias))
	for _, d := range s.byAlias {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	if existing, ok := s.byAlias[d.Alias]; ok {
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	cp := *d
	s.byAlias[d.Alias] = &cp
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAlias[alias]; !ok {
		return ErrNotFound
	}
	delete(s.byAlias, alias)
	return nil
}
