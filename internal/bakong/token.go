package bakong

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeTokenExpiry recovers the expiry embedded in a Bakong token's claims.
// The token is consumed as an opaque credential, never validated here, so
// the signature is deliberately not verified.
func DecodeTokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("decode token claims: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}
	return exp.Time, nil
}

// TokenExpired reports whether the token's embedded expiry has passed.
func TokenExpired(token string, now time.Time) bool {
	expiresAt, err := DecodeTokenExpiry(token)
	if err != nil {
		return true
	}
	return expiresAt.Before(now)
}
