package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates bearer tokens issued by an OpenID Connect
// provider. The console and other first-party UIs authenticate this way.
type OIDCVerifier struct {
	verifier   *oidc.IDTokenVerifier
	groupRoles map[string]Role
}

// NewOIDCVerifier discovers the provider configuration from the issuer URL.
// groupRoles maps provider group names to gateway roles.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string, groupRoles map[string]string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}

	mapped := make(map[string]Role, len(groupRoles))
	for group, name := range groupRoles {
		role, ok := ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("oidc group %q maps to unknown role %q", group, name)
		}
		mapped[group] = role
	}

	return &OIDCVerifier{
		verifier:   provider.Verifier(&oidc.Config{ClientID: clientID}),
		groupRoles: mapped,
	}, nil
}

// OIDCIdentity is the subset of token claims the gateway consumes.
type OIDCIdentity struct {
	Subject string
	Email   string
	Roles   []Role
}

// Verify checks the raw token and extracts the identity. Group claims are
// translated to roles through the configured mapping; unmapped groups are
// ignored.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*OIDCIdentity, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify oidc token: %w", err)
	}

	var claims struct {
		Email  string   `json:"email"`
		Groups []string `json:"groups"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("oidc token has no email claim")
	}

	id := &OIDCIdentity{Subject: token.Subject, Email: claims.Email}
	for _, g := range claims.Groups {
		if role, ok := v.groupRoles[g]; ok {
			id.Roles = append(id.Roles, role)
		}
	}
	return id, nil
}
