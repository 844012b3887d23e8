// Package domain contains core business types and interfaces.
//
// This file implements the entitlement policy: the pure mapping from a
// principal's durable usage record and the current time to a normalized
// entitlement status. The policy is deterministic and side-effect-free so
// it can be tested in isolation from the store and cache.
package domain

import (
	"fmt"
	"time"
)

// UsageStatus is the entitlement projection computed fresh on every check.
// It is never persisted.
type UsageStatus struct {
	Kind        PrincipalKind `json:"user_type"`
	Plan        PlanTier      `json:"plan,omitempty"`
	Remaining   int           `json:"remaining_count"`
	DailyLimit  int           `json:"daily_limit"`
	CanUse      bool          `json:"can_use"`
	ResetTime   *time.Time    `json:"reset_time,omitempty"`
	IsUnlimited bool          `json:"is_unlimited,omitempty"`
}

// DenialReason classifies why an admission check refused a request.
type DenialReason string

const (
	DenialAnonymousLimit   DenialReason = "anonymous_limit_exceeded"
	DenialDailyLimit       DenialReason = "daily_limit_exceeded"
	DenialStoreUnavailable DenialReason = "store_unavailable"
)

// Denial carries enough data for the caller to render guidance: the reset
// time when one exists, and whether the suggested remedy is upgrading
// (authenticated free) or signing in (anonymous).
type Denial struct {
	Reason          DenialReason `json:"reason"`
	Message         string       `json:"message"`
	UpgradeRequired bool         `json:"upgrade_required"`
	Retryable       bool         `json:"retryable"`
	ResetTime       *time.Time   `json:"reset_time,omitempty"`
}

// UsageCheck is the result of an admission check.
type UsageCheck struct {
	Allowed bool        `json:"allowed"`
	Status  UsageStatus `json:"usage_status"`
	Denial  *Denial     `json:"denial,omitempty"`
}

// EvaluatePaid returns the fixed status for paid principals: always allowed,
// no record lookup needed, stored counts ignored entirely.
func EvaluatePaid() UsageStatus {
	return UsageStatus{
		Kind:        PrincipalAuthenticated,
		Plan:        PlanPaid,
		Remaining:   Unlimited,
		DailyLimit:  Unlimited,
		CanUse:      true,
		IsUnlimited: true,
	}
}

// EvaluateFreeUser computes the status for an authenticated free user.
//
// The daily rollover is read-visible: when the stored last-usage date is
// absent or not today's UTC date, the effective count is zero regardless of
// the stored count. The physical reset happens lazily on the next commit,
// not here.
//
// A nil record (user never seen by the usage store) evaluates as count zero.
func EvaluateFreeUser(rec *UserUsage, limits Limits, now time.Time) UsageStatus {
	effective := 0
	if rec != nil && rec.LastUsageDate != nil && SameUTCDay(*rec.LastUsageDate, now) {
		effective = rec.UsageCount
	}

	remaining := limits.FreeDaily - effective
	if remaining < 0 {
		remaining = 0
	}
	reset := NextUTCMidnight(now)

	return UsageStatus{
		Kind:       PrincipalAuthenticated,
		Plan:       PlanFree,
		Remaining:  remaining,
		DailyLimit: limits.FreeDaily,
		CanUse:     remaining > 0,
		ResetTime:  &reset,
	}
}

// EvaluateAnonymous computes the status for an anonymous principal. There is
// no rollover and no reset time: the cap is a lifetime one per fingerprint.
// A nil record evaluates as count zero.
func EvaluateAnonymous(rec *AnonymousUsage, limits Limits) UsageStatus {
	count := 0
	if rec != nil {
		count = rec.UsageCount
	}

	remaining := limits.Anonymous - count
	if remaining < 0 {
		remaining = 0
	}

	return UsageStatus{
		Kind:       PrincipalAnonymous,
		Remaining:  remaining,
		DailyLimit: limits.Anonymous,
		CanUse:     remaining > 0,
	}
}

// DenialFor builds the typed rejection for an exhausted status. Anonymous
// visitors are prompted to sign in; authenticated free users are prompted to
// upgrade.
func DenialFor(status UsageStatus) *Denial {
	if status.Kind == PrincipalAnonymous {
		return &Denial{
			Reason: DenialAnonymousLimit,
			Message: fmt.Sprintf(
				"You've reached your limit of %d free generations. Please sign in for more.",
				status.DailyLimit),
		}
	}
	return &Denial{
		Reason: DenialDailyLimit,
		Message: fmt.Sprintf(
			"You've reached your daily limit of %d generations. Upgrade to Pro for unlimited access.",
			status.DailyLimit),
		UpgradeRequired: true,
		ResetTime:       status.ResetTime,
	}
}

// UnavailableDenial is the fail-closed rejection used when the usage store
// cannot be reached during an admission check. It is retryable and never
// suggests an upgrade: the user is not out of quota, we just could not
// verify it.
func UnavailableDenial() *Denial {
	return &Denial{
		Reason:    DenialStoreUnavailable,
		Message:   "Unable to verify your usage limits. Please try again.",
		Retryable: true,
	}
}
