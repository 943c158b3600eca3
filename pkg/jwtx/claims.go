package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token TTL constants used by the identity API.
const (
	// DefaultAccessTokenTTL is the default lifetime for access tokens.
	DefaultAccessTokenTTL = 30 * time.Minute

	// DefaultRefreshTokenTTL is the default lifetime for refresh tokens.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Token types carried in the "token_type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Role is the account role claimed by a token or held by a profile.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	default:
		return false
	}
}

// Claims are the claims issued by the records API. Only the fields the
// client reads are modelled, unknown claims are ignored on decode.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the numeric account id ("user_id")
	UserID int64 `json:"user_id"`

	// Role of the account at issue time ("role")
	Role Role `json:"role,omitempty"`

	// TokenType separates access from refresh tokens ("access" | "refresh")
	TokenType string `json:"token_type,omitempty"`
}

// NewAccessClaims builds claims for an access token.
func NewAccessClaims(userID int64, role Role, ttl time.Duration, now time.Time) Claims {
	return newClaims(userID, role, TokenTypeAccess, ttl, now)
}

// NewRefreshClaims builds claims for a refresh token. Every refresh token
// carries a fresh jti so two tokens minted in the same second still differ.
func NewRefreshClaims(userID int64, role Role, ttl time.Duration, now time.Time) Claims {
	return newClaims(userID, role, TokenTypeRefresh, ttl, now)
}

func newClaims(userID int64, role Role, typ string, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		UserID:    userID,
		Role:      role,
		TokenType: typ,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ValidateExpiry ensures the token hasn't expired at now.
func (c *Claims) ValidateExpiry(now time.Time) error {
	return c.ValidateExpiryWithLeeway(now, 0)
}

// ValidateExpiryWithLeeway adds a grace period for clock skew. A token is
// expired once now reaches exp plus leeway.
func (c *Claims) ValidateExpiryWithLeeway(now time.Time, leeway time.Duration) error {
	if c.ExpiresAt == nil {
		return ErrInvalidClaim
	}

	if !now.Before(c.ExpiresAt.Add(leeway)) {
		return ErrExpired
	}

	return nil
}

// ValidateType checks the token_type claim.
func (c *Claims) ValidateType(expected string) error {
	if c.TokenType != expected {
		return ErrTokenType
	}
	return nil
}
