package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/ledger"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

// BalanceResponse is the body for GET /admin/api/v1/credits/balance.
type BalanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance float64   `json:"balance"`
}

// TransactionsResponse is the body for GET /admin/api/v1/credits/transactions.
type TransactionsResponse struct {
	Transactions []*ledger.Transaction `json:"transactions"`
}

// RecordTransactionRequest is the body for POST /admin/api/v1/credits/transactions.
// Only admin_grant and admin_removal are accepted here; purchase rows
// come from the external payment webhook and usage rows from the
// pipeline.
type RecordTransactionRequest struct {
	UserID          uuid.UUID `json:"user_id"`
	TransactionType string    `json:"transaction_type"`
	Amount          float64   `json:"amount"`
	Description     string    `json:"description,omitempty"`
}

// CreditBalance handles GET /admin/api/v1/credits/balance.
func (h *Handler) CreditBalance(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		h.writeError(w, gatewayerr.NewAuthentication("missing credentials"))
		return
	}

	userID, err := creditTarget(principal, r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("balance lookup failed", "user_id", userID, "error", err)
		h.writeError(w, gatewayerr.NewInternal("balance lookup failed"))
		return
	}

	h.writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// ListTransactions handles GET /admin/api/v1/credits/transactions.
// Filters: user_id, type, model, from, to, skip, limit.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		h.writeError(w, gatewayerr.NewAuthentication("missing credentials"))
		return
	}

	q := r.URL.Query()
	userID, err := creditTarget(principal, q.Get("user_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	var f ledger.Filter
	if raw := q.Get("type"); raw != "" {
		typ := ledger.TransactionType(raw)
		if !typ.Valid() {
			h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusUnprocessableEntity,
				fmt.Sprintf("unknown transaction type %q", raw)))
			return
		}
		f.Type = &typ
	}
	if raw := q.Get("model"); raw != "" {
		model := raw
		f.Model = &model
	}
	if raw := q.Get("from"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest,
				"from must be RFC 3339 or YYYY-MM-DD"))
			return
		}
		f.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest,
				"to must be RFC 3339 or YYYY-MM-DD"))
			return
		}
		f.To = &t
	}
	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "skip must be an integer"))
			return
		}
		f.Skip = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "limit must be an integer"))
			return
		}
		f.Limit = n
	}

	txs, err := h.ledger.List(r.Context(), userID, f)
	if err != nil {
		h.logger.Error("transaction listing failed", "user_id", userID, "error", err)
		h.writeError(w, gatewayerr.NewInternal("transaction listing failed"))
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}

	h.writeJSON(w, http.StatusOK, TransactionsResponse{Transactions: txs})
}

// RecordTransaction handles POST /admin/api/v1/credits/transactions.
// The Credits create capability is enforced by the route wrapper.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "invalid JSON: "+err.Error()))
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.UserID == uuid.Nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "user_id is required"))
		return
	}

	typ := ledger.TransactionType(req.TransactionType)
	switch typ {
	case ledger.TypeAdminGrant, ledger.TypeAdminRemoval:
	default:
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusUnprocessableEntity,
			fmt.Sprintf("transaction type %q is not accepted here; use admin_grant or admin_removal", req.TransactionType)))
		return
	}

	if req.Amount <= 0 {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "amount must be positive"))
		return
	}

	tx, err := h.ledger.Record(r.Context(), req.UserID, typ, req.Amount, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, tx)
}

// creditTarget resolves which user's ledger a credit read addresses.
// Reads for another user without the read-all capability come back as
// not-found so existence never leaks.
func creditTarget(p *auth.Principal, rawID string) (uuid.UUID, error) {
	if rawID == "" {
		if !p.Can(auth.ResourceCredits, auth.OpReadOwn) {
			return uuid.Nil, gatewayerr.NewAuthorization("insufficient permissions")
		}
		return p.UserID, nil
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "user_id must be a UUID")
	}
	if id == p.UserID {
		if !p.Can(auth.ResourceCredits, auth.OpReadOwn) {
			return uuid.Nil, gatewayerr.NewAuthorization("insufficient permissions")
		}
		return id, nil
	}
	if !p.Can(auth.ResourceCredits, auth.OpReadAll) {
		return uuid.Nil, gatewayerr.NewNotFound("user not found")
	}
	return id, nil
}

// parseTimeParam accepts RFC 3339 timestamps and bare dates.
func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
