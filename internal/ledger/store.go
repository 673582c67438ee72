package ledger

import (
	"context"

	"github.com/google/uuid"
)

// BuildFunc produces the next transaction for a user given their latest
// one (nil for a fresh ledger). It runs inside the store's per-user
// critical section. Returning an error aborts the append with nothing
// written; returning (nil, nil) declines to append.
type BuildFunc func(prev *Transaction) (*Transaction, error)

// Store persists the ledger. Implementations serialize Append per user so
// concurrent writes cannot fork the chain, and never expose update or
// delete operations.
type Store interface {
	Append(ctx context.Context, userID uuid.UUID, build BuildFunc) (*Transaction, error)
	Latest(ctx context.Context, userID uuid.UUID) (*Transaction, error)
	List(ctx context.Context, userID uuid.UUID, f Filter) ([]*Transaction, error)
}
