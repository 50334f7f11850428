// Package tokencache caches the short-lived Bakong bearer token per
// principal so that seeding a tracking attempt does not re-issue a
// credential on every call. There is no single-flight guard: concurrent
// misses may each issue a token and each overwrite the cache, which is fine
// because any valid token works and writes are idempotent in effect.
package tokencache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"
)

// Cache is the get/set credential cache contract.
type Cache interface {
	// Get returns the cached token for principal, reporting a miss when
	// absent or expired.
	Get(ctx context.Context, principal string) (string, bool, error)

	// Set stores token until expiresAt. Tokens already past expiry are
	// silently dropped rather than written with a non-positive TTL.
	Set(ctx context.Context, principal, token string, expiresAt time.Time) error
}

// cacheKey hashes the principal so that an email address never appears as a
// plain store key.
func cacheKey(principal string) string {
	sum := md5.Sum([]byte(principal))
	return hex.EncodeToString(sum[:])
}
