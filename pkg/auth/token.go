// Package auth issues and verifies the bearer tokens nodes use after
// registration. Tokens are HMAC-signed JWTs carrying exactly the node
// id, a role, and an expiry; verification is stateless, so no store
// read sits on the hot path of every authenticated request.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/errdefs"
)

// Roles carried in token claims.
const (
	// RoleNode is issued by register and login; it authorizes the
	// standard worker surface.
	RoleNode = "node"

	// RoleAdmin authorizes administrative operations such as the
	// global lock reset. Admin tokens are minted out of band with the
	// drover CLI.
	RoleAdmin = "admin"
)

// Claims is the fixed claim set: node id, role, and the registered
// expiry/issue timestamps. Nothing else goes into a token.
type Claims struct {
	NodeID string `json:"nodeId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies bearer tokens with a shared HMAC key.
type TokenManager struct {
	key      []byte
	lifetime time.Duration
	clock    clock.Clock
}

// NewTokenManager creates a token manager. The key must be secret
// material injected from the environment; config validation enforces a
// minimum length before it reaches here.
func NewTokenManager(key []byte, lifetime time.Duration, clk clock.Clock) *TokenManager {
	return &TokenManager{
		key:      key,
		lifetime: lifetime,
		clock:    clk,
	}
}

// Issue mints a signed token for a node id and role, valid for the
// configured lifetime.
func (m *TokenManager) Issue(nodeID, role string) (string, error) {
	now := m.clock.Now()
	claims := &Claims{
		NodeID: nodeID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string. Every failure mode
// (malformed, bad signature, wrong algorithm, expired) maps to
// ErrUnauthorized without detail, so the response gives an attacker
// nothing to distinguish.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("token rejected: %w", errdefs.ErrUnauthorized)
	}
	if !token.Valid || claims.NodeID == "" || claims.Role == "" {
		return nil, fmt.Errorf("token rejected: %w", errdefs.ErrUnauthorized)
	}
	return claims, nil
}
