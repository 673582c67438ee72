package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/ledger"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

func TestCreditBalance_OwnUser(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	user, key := g.seedUser(nil)
	g.grant(user, 25)

	rec := g.do(http.MethodGet, "/admin/api/v1/credits/balance", key, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, user, resp.UserID)
	assert.InDelta(t, 25.0, resp.Balance, 1e-9)
}

func TestCreditBalance_CrossUserVisibility(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	other, _ := g.seedUser(nil)
	g.grant(other, 50)

	_, standardKey := g.seedUser(nil)
	rec := g.do(http.MethodGet, "/admin/api/v1/credits/balance?user_id="+other.String(), standardKey, "")
	require.Equal(t, http.StatusNotFound, rec.Code,
		"a cross-user read without read-all looks like a missing user")
	assert.Equal(t, gatewayerr.KindNotFound, decodeError(t, rec).Error.Type)

	_, billingKey := g.seedUser(func(u *auth.User) { u.Roles = []auth.Role{auth.RoleBillingManager} })
	rec = g.do(http.MethodGet, "/admin/api/v1/credits/balance?user_id="+other.String(), billingKey, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, other, resp.UserID)
	assert.InDelta(t, 50.0, resp.Balance, 1e-9)
}

func TestCreditBalance_BadUserID(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	_, key := g.seedUser(nil)

	rec := g.do(http.MethodGet, "/admin/api/v1/credits/balance?user_id=not-a-uuid", key, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTransactions_FiltersAndErrors(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	user, key := g.seedUser(nil)
	g.grant(user, 100)
	_, err := g.ledger.Debit(context.Background(), user, 4, "gpt-test", "request abc")
	require.NoError(t, err)

	rec := g.do(http.MethodGet, "/admin/api/v1/credits/transactions", key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TransactionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Transactions, 2)
	assert.Equal(t, ledger.TypeUsage, resp.Transactions[0].Type, "newest first")

	rec = g.do(http.MethodGet, "/admin/api/v1/credits/transactions?type=usage", key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = TransactionsResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Transactions, 1)
	require.NotNil(t, resp.Transactions[0].Model)
	assert.Equal(t, "gpt-test", *resp.Transactions[0].Model)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"unknown type", "?type=refund", http.StatusUnprocessableEntity},
		{"bad from", "?from=yesterday", http.StatusBadRequest},
		{"bad to", "?to=later", http.StatusBadRequest},
		{"bad skip", "?skip=two", http.StatusBadRequest},
		{"bad limit", "?limit=most", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(http.MethodGet, "/admin/api/v1/credits/transactions"+tt.query, key, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestListTransactions_AcceptsBareDates(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	user, key := g.seedUser(nil)
	g.grant(user, 100)

	rec := g.do(http.MethodGet, "/admin/api/v1/credits/transactions?from=2020-01-01", key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TransactionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Transactions, 1)
}

func TestListTransactions_EmptyIsAnEmptyArray(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	_, key := g.seedUser(nil)

	rec := g.do(http.MethodGet, "/admin/api/v1/credits/transactions", key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transactions":[]}`, rec.Body.String())
}

func TestRecordTransaction_RequiresCreateCapability(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	target, _ := g.seedUser(nil)
	_, standardKey := g.seedUser(nil)

	body := `{"user_id":"` + target.String() + `","transaction_type":"admin_grant","amount":10}`
	rec := g.do(http.MethodPost, "/admin/api/v1/credits/transactions", standardKey, body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, gatewayerr.KindAuthorization, decodeError(t, rec).Error.Type)
}

func TestRecordTransaction_GrantAndRemoval(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	target, _ := g.seedUser(nil)
	_, billingKey := g.seedUser(func(u *auth.User) { u.Roles = []auth.Role{auth.RoleBillingManager} })

	body := `{"user_id":"` + target.String() + `","transaction_type":"admin_grant","amount":40,"description":"signup"}`
	rec := g.do(http.MethodPost, "/admin/api/v1/credits/transactions", billingKey, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tx ledger.Transaction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tx))
	assert.Equal(t, ledger.TypeAdminGrant, tx.Type)
	assert.Equal(t, target, tx.UserID)
	assert.InDelta(t, 40.0, tx.BalanceAfter, 1e-9)

	body = `{"user_id":"` + target.String() + `","transaction_type":"admin_removal","amount":15}`
	rec = g.do(http.MethodPost, "/admin/api/v1/credits/transactions", billingKey, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	tx = ledger.Transaction{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tx))
	assert.Equal(t, ledger.TypeAdminRemoval, tx.Type)
	assert.InDelta(t, 25.0, tx.BalanceAfter, 1e-9)

	body = `{"user_id":"` + target.String() + `","transaction_type":"admin_removal","amount":100}`
	rec = g.do(http.MethodPost, "/admin/api/v1/credits/transactions", billingKey, body)
	require.Equal(t, http.StatusPaymentRequired, rec.Code,
		"a removal never takes the balance below zero")
	assert.InDelta(t, 25.0, g.balance(target), 1e-9)
}

func TestRecordTransaction_Validation(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	target, _ := g.seedUser(nil)
	_, key := g.seedUser(func(u *auth.User) { u.Roles = []auth.Role{auth.RoleBillingManager} })

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing user id", `{"transaction_type":"admin_grant","amount":10}`, http.StatusBadRequest},
		{"zero amount", `{"user_id":"` + target.String() + `","transaction_type":"admin_grant","amount":0}`, http.StatusBadRequest},
		{"negative amount", `{"user_id":"` + target.String() + `","transaction_type":"admin_grant","amount":-5}`, http.StatusBadRequest},
		{"usage type", `{"user_id":"` + target.String() + `","transaction_type":"usage","amount":5}`, http.StatusUnprocessableEntity},
		{"purchase reserved for the payment webhook", `{"user_id":"` + target.String() + `","transaction_type":"purchase","amount":5}`, http.StatusUnprocessableEntity},
		{"unknown type", `{"user_id":"` + target.String() + `","transaction_type":"refund","amount":5}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(http.MethodPost, "/admin/api/v1/credits/transactions", key, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
