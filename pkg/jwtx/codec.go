package jwtx

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Payload is what a client can learn from an access token without
// verifying it.
type Payload struct {
	UserID    int64
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// segments decodes token segments without a key. The client never holds
// the signing key, so neither the header nor the signature is looked at.
var segments = jwt.NewParser()

// ParseUnverified decodes the claims segment of a token. It returns
// ErrMalformed for anything that is not three segments with a base64url
// JSON object in the middle. The header is ignored.
func ParseUnverified(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	raw, err := segments.DecodeSegment(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	if raw = bytes.TrimSpace(raw); len(raw) == 0 || raw[0] != '{' {
		return nil, ErrMalformed
	}

	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrMalformed
	}

	return &claims, nil
}

// Decode returns the token payload, or nil when the token is malformed.
// It never panics.
func Decode(token string) *Payload {
	claims, err := ParseUnverified(token)
	if err != nil {
		return nil
	}

	p := &Payload{
		UserID: claims.UserID,
		Role:   claims.Role,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}

	return p
}

// IsExpired reports whether token is expired right now. Undecodable tokens
// and tokens without an exp claim count as expired.
func IsExpired(token string) bool {
	return IsExpiredWithLeeway(token, time.Now(), 0)
}

// IsExpiredAt is IsExpired against a caller supplied clock.
func IsExpiredAt(token string, now time.Time) bool {
	return IsExpiredWithLeeway(token, now, 0)
}

// IsExpiredWithLeeway treats the token as valid for leeway past its exp.
func IsExpiredWithLeeway(token string, now time.Time, leeway time.Duration) bool {
	claims, err := ParseUnverified(token)
	if err != nil {
		return true
	}

	return claims.ValidateExpiryWithLeeway(now, leeway) != nil
}
