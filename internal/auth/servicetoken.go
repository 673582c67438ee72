package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ServiceTokenClaims are the JWT claims carried by machine-to-machine
// tokens. The probe runner, model sync, and billing collaborators present
// these instead of API keys.
type ServiceTokenClaims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Admin bool     `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// ServiceTokenVerifier validates HS256 service tokens against a shared
// secret and issuer.
type ServiceTokenVerifier struct {
	secret []byte
	issuer string
}

// NewServiceTokenVerifier creates a verifier. The secret must be non-empty.
func NewServiceTokenVerifier(secret []byte, issuer string) *ServiceTokenVerifier {
	return &ServiceTokenVerifier{secret: secret, issuer: issuer}
}

// Verify parses and validates a token string and maps it to a Principal.
func (v *ServiceTokenVerifier) Verify(tokenString string) (*Principal, error) {
	var claims ServiceTokenClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify service token: %w", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("verify service token: subject is not a uuid: %w", err)
	}

	p := &Principal{
		UserID: userID,
		Email:  claims.Email,
		Admin:  claims.Admin,
	}
	for _, r := range claims.Roles {
		role, ok := ParseRole(r)
		if !ok {
			continue
		}
		p.Roles = append(p.Roles, role)
	}
	return p, nil
}

// MintServiceToken signs a short-lived HS256 token for a service identity.
// Collaborator services receive these out of band.
func MintServiceToken(secret []byte, issuer string, userID uuid.UUID, email string, roles []Role, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	claims := ServiceTokenClaims{
		Email: email,
		Roles: names,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("mint service token: %w", err)
	}
	return signed, nil
}
