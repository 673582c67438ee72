package ledger

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is the durable ledger. Per-user serialization uses a
// transaction-scoped advisory lock keyed on the first eight bytes of the
// user UUID, and a trigger rejects UPDATE and DELETE at the database so
// append-only holds even against out-of-band writers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the credits_transactions table, its indexes, and
// the immutability trigger.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS credits_transactions (
	id                      UUID PRIMARY KEY,
	user_id                 UUID NOT NULL,
	transaction_type        TEXT NOT NULL CHECK (transaction_type IN ('usage', 'purchase', 'admin_grant', 'admin_removal')),
	amount                  NUMERIC(20,6) NOT NULL CHECK (amount >= 0),
	description             TEXT NOT NULL DEFAULT '',
	model                   TEXT,
	balance_after           NUMERIC(20,6) NOT NULL CHECK (balance_after >= 0),
	previous_transaction_id UUID REFERENCES credits_transactions(id),
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_credits_transactions_user_created
	ON credits_transactions(user_id, created_at DESC, id DESC);

CREATE OR REPLACE FUNCTION credits_transactions_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'credits_transactions is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS credits_transactions_no_rewrite ON credits_transactions;
CREATE TRIGGER credits_transactions_no_rewrite
	BEFORE UPDATE OR DELETE ON credits_transactions
	FOR EACH ROW EXECUTE FUNCTION credits_transactions_immutable();
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// advisoryLockKey derives the per-user lock key from the first eight
// bytes of the UUID, big-endian.
func advisoryLockKey(userID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(userID[:8]))
}

const transactionColumns = `id, user_id, transaction_type, amount, description, model,
	balance_after, previous_transaction_id, created_at`

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, userID uuid.UUID, build BuildFunc) (*Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger append: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(userID)); err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}

	prev, err := latestTx(ctx, dbTx, userID)
	if err != nil && !errors.Is(err, ErrNoTransactions) {
		return nil, err
	}
	if errors.Is(err, ErrNoTransactions) {
		prev = nil
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

	const insert = `
		INSERT INTO credits_transactions
			(id, user_id, transaction_type, amount, description, model, balance_after, previous_transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := dbTx.ExecContext(ctx, insert,
		tx.ID, tx.UserID, tx.Type, tx.Amount, tx.Description, tx.Model,
		tx.BalanceAfter, tx.PreviousTransactionID, tx.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger append: %w", err)
	}
	return tx, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var model sql.NullString
	var prev uuid.NullUUID
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Description, &model,
		&tx.BalanceAfter, &prev, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if model.Valid {
		tx.Model = &model.String
	}
	if prev.Valid {
		id := prev.UUID
		tx.PreviousTransactionID = &id
	}
	return &tx, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestTx(ctx context.Context, q queryRower, userID uuid.UUID) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM credits_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	tx, err := scanTransaction(q.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTransactions
	}
	if err != nil {
		return nil, fmt.Errorf("load latest ledger row: %w", err)
	}
	return tx, nil
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context, userID uuid.UUID) (*Transaction, error) {
	return latestTx(ctx, s.db, userID)
}

// List implements Store. Results are newest first.
func (s *PostgresStore) List(ctx context.Context, userID uuid.UUID, f Filter) ([]*Transaction, error) {
	f = f.Normalize()

	query := `SELECT ` + transactionColumns + ` FROM credits_transactions WHERE user_id = $1`
	args := []any{userID}

	if f.Type != nil {
		args = append(args, *f.Type)
		query += ` AND transaction_type = $` + strconv.Itoa(len(args))
	}
	if f.Model != nil {
		args = append(args, *f.Model)
		query += ` AND model = $` + strconv.Itoa(len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += ` AND created_at <= $` + strconv.Itoa(len(args))
	}

	args = append(args, f.Limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, f.Skip)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	defer rows.Close()

	out := []*Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	return out, nil
}
