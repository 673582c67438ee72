package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/doublewordai/waycast/internal/config"
)

// setupPostgresIfAvailable starts a disposable postgres container. Returns
// nil when Docker is unavailable so the suite degrades to memory-only.
func setupPostgresIfAvailable(t *testing.T) *sql.DB {
	t.Helper()

	defer func() {
		if r := recover(); r != nil {
			t.Logf("docker setup failed (panic recovered): %v", r)
		}
	}()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "waycast",
			"POSTGRES_PASSWORD": "waycast",
			"POSTGRES_DB":       "waycast_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Logf("failed to start postgres container: %v", err)
		return nil
	}

	t.Cleanup(func() {
		if terminateErr := container.Terminate(ctx); terminateErr != nil {
			t.Logf("failed to terminate postgres container: %v", terminateErr)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Logf("failed to get container host: %v", err)
		return nil
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Logf("failed to get container port: %v", err)
		return nil
	}

	dsn := fmt.Sprintf("host=%s port=%s user=waycast password=waycast dbname=waycast_test sslmode=disable",
		host, port.Port())
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("failed to open postgres connection: %v", err)
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Logf("failed to ping postgres: %v", err)
		return nil
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestStore_Contract runs the same ledger behavior against every store
// implementation: chain linkage, per-user serialization, filters.
func TestStore_Contract(t *testing.T) {
	stores := map[string]Store{
		"Memory": NewMemoryStore(),
	}

	if db := setupPostgresIfAvailable(t); db != nil {
		pg := NewPostgresStore(db)
		require.NoError(t, pg.EnsureSchema(context.Background()))
		stores["Postgres"] = pg
		t.Log("postgres container started, running durable ledger tests")
	} else {
		t.Log("docker not available, running memory ledger tests only")
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("AppendAndChain", func(t *testing.T) { testAppendAndChain(t, store) })
			t.Run("BuildErrorAborts", func(t *testing.T) { testBuildErrorAborts(t, store) })
			t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, store) })
			t.Run("ListFilters", func(t *testing.T) { testListFilters(t, store) })
		})
	}
}

func grantTx(userID uuid.UUID, amount float64) BuildFunc {
	return func(prev *Transaction) (*Transaction, error) {
		var balance float64
		var prevID *uuid.UUID
		if prev != nil {
			balance = prev.BalanceAfter
			id := prev.ID
			prevID = &id
		}
		return &Transaction{
			UserID:                userID,
			Type:                  TypeAdminGrant,
			Amount:                amount,
			BalanceAfter:          RoundCredits(balance + amount),
			PreviousTransactionID: prevID,
		}, nil
	}
}

func testAppendAndChain(t *testing.T, store Store) {
	ctx := context.Background()
	user := uuid.New()

	first, err := store.Append(ctx, user, grantTx(user, 10))
	require.NoError(t, err)
	second, err := store.Append(ctx, user, grantTx(user, 5))
	require.NoError(t, err)

	require.NotNil(t, second.PreviousTransactionID)
	assert.Equal(t, first.ID, *second.PreviousTransactionID)
	assert.Equal(t, 15.0, second.BalanceAfter)

	latest, err := store.Latest(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = store.Latest(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNoTransactions)
}

func testBuildErrorAborts(t *testing.T, store Store) {
	ctx := context.Background()
	user := uuid.New()

	_, err := store.Append(ctx, user, func(prev *Transaction) (*Transaction, error) {
		return nil, fmt.Errorf("no")
	})
	require.Error(t, err)

	_, err = store.Latest(ctx, user)
	assert.ErrorIs(t, err, ErrNoTransactions, "aborted append must write nothing")
}

func testConcurrentAppends(t *testing.T, store Store) {
	ctx := context.Background()
	user := uuid.New()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, user, grantTx(user, 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	latest, err := store.Latest(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, float64(workers), latest.BalanceAfter, "appends must serialize per user")

	txs, err := store.List(ctx, user, Filter{})
	require.NoError(t, err)
	require.Len(t, txs, workers)
	seen := make(map[uuid.UUID]bool)
	for _, tx := range txs {
		if tx.PreviousTransactionID != nil {
			assert.False(t, seen[*tx.PreviousTransactionID], "two rows share a predecessor: chain forked")
			seen[*tx.PreviousTransactionID] = true
		}
	}
}

func testListFilters(t *testing.T, store Store) {
	ctx := context.Background()
	user := uuid.New()
	model := "gpt-4o"

	_, err := store.Append(ctx, user, grantTx(user, 100))
	require.NoError(t, err)
	_, err = store.Append(ctx, user, func(prev *Transaction) (*Transaction, error) {
		id := prev.ID
		return &Transaction{
			UserID:                user,
			Type:                  TypeUsage,
			Amount:                1,
			Model:                 &model,
			BalanceAfter:          RoundCredits(prev.BalanceAfter - 1),
			PreviousTransactionID: &id,
		}, nil
	})
	require.NoError(t, err)

	usage := TypeUsage
	txs, err := store.List(ctx, user, Filter{Type: &usage})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].Model)
	assert.Equal(t, model, *txs[0].Model)

	txs, err = store.List(ctx, user, Filter{Model: &model})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	txs, err = store.List(ctx, user, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TypeUsage, txs[0].Type, "listing is newest first")
}

// TestPostgres_RowsAreImmutable verifies the database trigger rejects
// rewrites even from raw SQL, not just the application layer.
func TestPostgres_RowsAreImmutable(t *testing.T) {
	db := setupPostgresIfAvailable(t)
	if db == nil {
		t.Skip("docker not available")
	}

	ctx := context.Background()
	pg := NewPostgresStore(db)
	require.NoError(t, pg.EnsureSchema(ctx))

	user := uuid.New()
	tx, err := pg.Append(ctx, user, grantTx(user, 10))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE credits_transactions SET amount = 999 WHERE id = $1`, tx.ID)
	require.Error(t, err, "UPDATE must be rejected by the trigger")
	assert.Contains(t, err.Error(), "append-only")

	_, err = db.ExecContext(ctx, `DELETE FROM credits_transactions WHERE id = $1`, tx.ID)
	require.Error(t, err, "DELETE must be rejected by the trigger")
}

// TestPostgres_ServiceEndToEnd exercises the policy layer against the
// durable store.
func TestPostgres_ServiceEndToEnd(t *testing.T) {
	db := setupPostgresIfAvailable(t)
	if db == nil {
		t.Skip("docker not available")
	}

	ctx := context.Background()
	pg := NewPostgresStore(db)
	require.NoError(t, pg.EnsureSchema(ctx))

	svc := NewService(pg, config.DebitReject, nil)
	user := uuid.New()

	_, err := svc.Record(ctx, user, TypeAdminGrant, 2, "grant")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, user, 1.5, "gpt-4o", "chat completion")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, user, 1.5, "gpt-4o", "chat completion")
	require.Error(t, err, "second debit should overdraw and be rejected")

	balance, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0.5, balance)
}
