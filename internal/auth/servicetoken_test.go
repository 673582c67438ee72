package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	userID := uuid.New()

	token, err := MintServiceToken(secret, "waycast", userID, "sync@internal", []Role{RoleBillingManager}, true, time.Minute)
	require.NoError(t, err)

	v := NewServiceTokenVerifier(secret, "waycast")
	p, err := v.Verify(token)
	require.NoError(t, err)

	assert.Equal(t, userID, p.UserID)
	assert.Equal(t, "sync@internal", p.Email)
	assert.True(t, p.Admin)
	assert.True(t, p.HasRole(RoleBillingManager))
}

func TestServiceTokenVerify_Rejections(t *testing.T) {
	secret := []byte("shared-secret")
	userID := uuid.New()

	tests := []struct {
		name  string
		token func(t *testing.T) string
		v     *ServiceTokenVerifier
	}{
		{
			"wrong secret",
			func(t *testing.T) string {
				tok, err := MintServiceToken([]byte("other"), "waycast", userID, "", nil, false, time.Minute)
				require.NoError(t, err)
				return tok
			},
			NewServiceTokenVerifier(secret, "waycast"),
		},
		{
			"expired",
			func(t *testing.T) string {
				tok, err := MintServiceToken(secret, "waycast", userID, "", nil, false, -time.Minute)
				require.NoError(t, err)
				return tok
			},
			NewServiceTokenVerifier(secret, "waycast"),
		},
		{
			"issuer mismatch",
			func(t *testing.T) string {
				tok, err := MintServiceToken(secret, "someone-else", userID, "", nil, false, time.Minute)
				require.NoError(t, err)
				return tok
			},
			NewServiceTokenVerifier(secret, "waycast"),
		},
		{
			"garbage",
			func(t *testing.T) string { return "not.a.jwt" },
			NewServiceTokenVerifier(secret, "waycast"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.v.Verify(tt.token(t))
			assert.Error(t, err)
		})
	}
}
