package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ledger for library mode and tests. Each
// user's chain is guarded by its own mutex, matching the per-user
// serialization the postgres store gets from advisory locks.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*userChain
}

type userChain struct {
	mu  sync.Mutex
	txs []*Transaction // newest last
}

// NewMemoryStore creates an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[uuid.UUID]*userChain)}
}

func (s *MemoryStore) chain(userID uuid.UUID) *userChain {
	s.mu.RLock()
	c, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.users[userID]; ok {
		return c
	}
	c = &userChain{}
	s.users[userID] = c
	return c
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, userID uuid.UUID, build BuildFunc) (*Transaction, error) {
	c := s.chain(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev *Transaction
	if n := len(c.txs); n > 0 {
		cp := *c.txs[n-1]
		prev = &cp
	}

	tx, err := build(prev)
	if err != nil || tx == nil {
		return nil, err
	}

	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	cp := *tx
	c.txs = append(c.txs, &cp)
	return tx, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, userID uuid.UUID) (*Transaction, error) {
	c := s.chain(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.txs)
	if n == 0 {
		return nil, ErrNoTransactions
	}
	cp := *c.txs[n-1]
	return &cp, nil
}

// List implements Store. Results are newest first.
func (s *MemoryStore) List(_ context.Context, userID uuid.UUID, f Filter) ([]*Transaction, error) {
	f = f.Normalize()

	c := s.chain(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	matched := make([]*Transaction, 0, len(c.txs))
	for i := len(c.txs) - 1; i >= 0; i-- {
		if f.matches(c.txs[i]) {
			matched = append(matched, c.txs[i])
		}
	}

	if f.Skip >= len(matched) {
		return []*Transaction{}, nil
	}
	matched = matched[f.Skip:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*Transaction, len(matched))
	for i, tx := range matched {
		cp := *tx
		out[i] = &cp
	}
	return out, nil
}
