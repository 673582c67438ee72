package auth

import (
	"context"
	"net/http"

	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

type contextKey struct{}

var principalKey contextKey

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal extracts the principal placed on the context by Middleware.
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Middleware authenticates every request and injects the resulting
// principal into the request context. Unauthenticated requests are
// rejected before reaching the handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r.Context(), r)
		if err != nil {
			gatewayerr.WriteJSON(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Require wraps a handler with a capability check. The principal must
// already be on the context.
func Require(resource Resource, op Operation, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := GetPrincipal(r.Context())
		if !ok {
			gatewayerr.WriteJSON(w, gatewayerr.NewAuthentication("missing credentials"))
			return
		}
		if !principal.Can(resource, op) {
			gatewayerr.WriteJSON(w, gatewayerr.NewAuthorization("insufficient permissions"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
