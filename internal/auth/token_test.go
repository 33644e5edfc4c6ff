// ABOUTME: Tests for session token issuance and verification.
// ABOUTME: Validates claims round-trip, expiry, wrong-secret and malformed tokens.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"))

	token, err := issuer.Issue("w1", "tenant-a", time.Hour)
	require.NoError(t, err)

	id, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "w1", id.WorkerID)
	assert.Equal(t, "tenant-a", id.TenantID)
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"))

	token, err := issuer.Issue("w1", "tenant-a", -time.Minute)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"))
	other := NewTokenIssuer([]byte("different-secret"))

	token, err := issuer.Issue("w1", "tenant-a", time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_Malformed(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"))

	_, err := issuer.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_MissingTenantClaim(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewTokenIssuer(secret)

	// Token signed with the right secret but without the tenant claim.
	claims := jwt.MapClaims{
		"sub": "w1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = issuer.Verify(raw)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
