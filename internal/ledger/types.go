// Package ledger keeps the append-only credit ledger. Every row carries
// the balance after it was applied and a link to the row before it, so
// each user's history forms a verifiable chain. Rows are never updated or
// deleted; corrections are new rows.
package ledger

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies a ledger row. Purchases and admin grants
// add credit; usage and admin removals subtract it.
type TransactionType string

const (
	TypeUsage        TransactionType = "usage"
	TypePurchase     TransactionType = "purchase"
	TypeAdminGrant   TransactionType = "admin_grant"
	TypeAdminRemoval TransactionType = "admin_removal"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeUsage, TypePurchase, TypeAdminGrant, TypeAdminRemoval:
		return true
	}
	return false
}

// Credits reports whether the type adds to the balance.
func (t TransactionType) Credits() bool {
	return t == TypePurchase || t == TypeAdminGrant
}

// Transaction is one immutable ledger row. Amount is stored as an
// absolute value; the type carries the sign. Model is set only on usage
// rows.
type Transaction struct {
	ID                    uuid.UUID       `json:"id"`
	UserID                uuid.UUID       `json:"user_id"`
	Type                  TransactionType `json:"transaction_type"`
	Amount                float64         `json:"amount"`
	Description           string          `json:"description,omitempty"`
	Model                 *string         `json:"model,omitempty"`
	BalanceAfter          float64         `json:"balance_after"`
	PreviousTransactionID *uuid.UUID      `json:"previous_transaction_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Signed returns the amount with the sign implied by the type.
func (t *Transaction) Signed() float64 {
	if t.Type.Credits() {
		return t.Amount
	}
	return -t.Amount
}

// ErrNoTransactions is returned by Latest for users with no history.
var ErrNoTransactions = errors.New("ledger: no transactions")

// Filter narrows and pages a transaction listing.
type Filter struct {
	Type  *TransactionType
	Model *string
	From  *time.Time
	To    *time.Time
	Skip  int
	Limit int
}

const (
	// DefaultLimit applies when a listing does not specify one.
	DefaultLimit = 100
	// MaxLimit caps any requested page size.
	MaxLimit = 1000
)

// Normalize clamps paging values into their allowed ranges.
func (f Filter) Normalize() Filter {
	if f.Skip < 0 {
		f.Skip = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return f
}

// matches reports whether tx passes the non-paging filter fields.
func (f Filter) matches(tx *Transaction) bool {
	if f.Type != nil && tx.Type != *f.Type {
		return false
	}
	if f.Model != nil && (tx.Model == nil || *tx.Model != *f.Model) {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// RoundCredits rounds a credit amount to micro-credit precision. All
// amounts entering the ledger pass through this so float drift never
// accumulates in stored balances.
func RoundCredits(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
