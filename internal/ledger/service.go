package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

// Service applies billing policy on top of a Store. All amounts are
// rounded to micro-credits on entry.
type Service struct {
	store  Store
	policy string
	logger *slog.Logger
}

// NewService creates a ledger service. policy is one of the debit policy
// constants; anything unrecognized falls back to rejecting overdrafts.
func NewService(store Store, policy string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	switch policy {
	case config.DebitReject, config.DebitClamp, config.DebitAllowNegative:
	default:
		policy = config.DebitReject
	}
	return &Service{store: store, policy: policy, logger: logger}
}

// Balance returns the user's current balance: the balance_after of their
// latest transaction, or zero for a fresh ledger.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (float64, error) {
	latest, err := s.store.Latest(ctx, userID)
	if errors.Is(err, ErrNoTransactions) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.BalanceAfter, nil
}

// Preflight rejects a request before dispatch when the user has nothing
// left to bill against. Under allow_negative there is no pre-check.
func (s *Service) Preflight(ctx context.Context, userID uuid.UUID) error {
	if s.policy == config.DebitAllowNegative {
		return nil
	}
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return gatewayerr.NewInsufficientCredit("credit balance is exhausted")
	}
	return nil
}

// Debit records usage. The charge is clamped or the append rejected
// according to the debit policy; a zero charge appends nothing. Partial
// charges for interrupted streams go through here too.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, cost float64, model, description string) (*Transaction, error) {
	cost = RoundCredits(cost)
	if cost <= 0 {
		return nil, nil
	}

	return s.store.Append(ctx, userID, func(prev *Transaction) (*Transaction, error) {
		var balance float64
		var prevID *uuid.UUID
		if prev != nil {
			balance = prev.BalanceAfter
			id := prev.ID
			prevID = &id
		}

		charge := cost
		switch s.policy {
		case config.DebitClamp:
			if balance < charge {
				charge = RoundCredits(balance)
			}
			if charge <= 0 {
				s.logger.Warn("debit clamped to zero, usage not billed",
					"user_id", userID, "model", model, "cost", cost)
				return nil, nil
			}
		case config.DebitAllowNegative:
			// No floor.
		default:
			if balance < charge {
				return nil, gatewayerr.NewInsufficientCredit(
					fmt.Sprintf("balance %.6f is below the request cost %.6f", balance, charge))
			}
		}

		var m *string
		if model != "" {
			m = &model
		}
		return &Transaction{
			UserID:                userID,
			Type:                  TypeUsage,
			Amount:                charge,
			Description:           description,
			Model:                 m,
			BalanceAfter:          RoundCredits(balance - charge),
			PreviousTransactionID: prevID,
		}, nil
	})
}

// Record appends a non-usage transaction: purchases, admin grants, and
// admin removals. The amount is stored as a magnitude; the type carries
// the sign. Subtractive types never take the balance below zero.
func (s *Service) Record(ctx context.Context, userID uuid.UUID, typ TransactionType, amount float64, description string) (*Transaction, error) {
	if !typ.Valid() || typ == TypeUsage {
		return nil, gatewayerr.NewInvalidRequest(422, fmt.Sprintf("transaction type %q cannot be recorded directly", typ))
	}
	amount = RoundCredits(amount)
	if amount <= 0 {
		return nil, gatewayerr.NewInvalidRequest(400, "amount must be positive")
	}

	return s.store.Append(ctx, userID, func(prev *Transaction) (*Transaction, error) {
		var balance float64
		var prevID *uuid.UUID
		if prev != nil {
			balance = prev.BalanceAfter
			id := prev.ID
			prevID = &id
		}

		delta := amount
		if !typ.Credits() {
			delta = -amount
		}
		newBalance := RoundCredits(balance + delta)
		if newBalance < 0 {
			return nil, gatewayerr.NewInsufficientCredit(
				fmt.Sprintf("removal of %.6f exceeds balance %.6f", amount, balance))
		}

		return &Transaction{
			UserID:                userID,
			Type:                  typ,
			Amount:                amount,
			Description:           description,
			BalanceAfter:          newBalance,
			PreviousTransactionID: prevID,
		}, nil
	})
}

// List returns a filtered page of the user's transactions, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, f Filter) ([]*Transaction, error) {
	return s.store.List(ctx, userID, f.Normalize())
}
