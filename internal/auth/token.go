// ABOUTME: JWT session tokens for authenticating worker reconnections.
// ABOUTME: Uses HS256 signing with a configurable secret; claims carry worker and tenant.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is the authenticated subject a session token resolves to.
type Identity struct {
	WorkerID string
	TenantID string
}

// TokenIssuer mints and verifies worker session tokens. A worker receives
// one on successful registration and presents it on reconnect so the
// connection code is not consumed twice.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer with the given HMAC secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Issue creates a session token for a worker with the given lifetime.
func (i *TokenIssuer) Issue(workerID, tenantID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": workerID,
		"tid": tenantID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify validates a session token and extracts the worker identity.
func (i *TokenIssuer) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tid, ok := claims["tid"].(string)
	if !ok || tid == "" {
		return nil, fmt.Errorf("%w: tid", ErrMissingClaim)
	}

	return &Identity{WorkerID: sub, TenantID: tid}, nil
}
