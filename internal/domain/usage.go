// Package domain contains core business types and interfaces.
//
// This file defines the durable usage records and the configured limits
// they are measured against.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Unlimited is the sentinel for "no limit" in counts and limits.
const Unlimited = -1

// Limits holds the configured quota ceilings.
type Limits struct {
	// Anonymous is the lifetime generation cap per device fingerprint.
	// Anonymous quota never resets.
	Anonymous int

	// FreeDaily is the per-calendar-day (UTC) cap for authenticated free
	// users. Paid users are unlimited and never consult Limits.
	FreeDaily int
}

// DefaultLimits mirrors the product defaults: 5 lifetime generations per
// anonymous device, 10 per day for free accounts.
var DefaultLimits = Limits{
	Anonymous: 5,
	FreeDaily: 10,
}

// UserUsage is the durable consumption record for an authenticated user.
// UsageCount is only ever mutated through the store's atomic increment and
// reset operations.
type UserUsage struct {
	UserID           uuid.UUID
	Email            string
	Plan             PlanTier
	UsageCount       int
	LastUsageDate    *time.Time // Calendar date (UTC midnight); nil until first use
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AnonymousUsage is the durable consumption record for a fingerprint.
// There is no date field: anonymous quota is a lifetime cap, not a daily one.
type AnonymousUsage struct {
	Fingerprint string
	UsageCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UTCDay truncates t to its UTC calendar day (midnight).
func UTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameUTCDay reports whether a and b fall on the same UTC calendar day.
func SameUTCDay(a, b time.Time) bool {
	return UTCDay(a).Equal(UTCDay(b))
}

// NextUTCMidnight returns the start of the next UTC calendar day after now,
// i.e. when a free user's daily window rolls over.
func NextUTCMidnight(now time.Time) time.Time {
	return UTCDay(now).AddDate(0, 0, 1)
}
