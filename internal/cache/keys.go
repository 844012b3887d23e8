package cache

import (
	"time"

	"github.com/google/uuid"
)

// TTLs for the two usage record kinds. User records change more often
// (plan flips, daily resets) so they expire sooner.
const (
	UserUsageTTL      = 2 * time.Minute
	AnonymousUsageTTL = 5 * time.Minute
)

// UserUsageKey returns the cache key for an authenticated user's usage
// record.
func UserUsageKey(userID uuid.UUID) string {
	return "user_usage:" + userID.String()
}

// AnonymousUsageKey returns the cache key for an anonymous fingerprint's
// usage record. fingerprint must already be normalized.
func AnonymousUsageKey(fingerprint string) string {
	return "anonymous_usage:" + fingerprint
}
