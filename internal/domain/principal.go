// Package domain contains core business types and interfaces.
//
// This file defines the Principal type: the entity whose usage quota is
// checked and consumed. A principal is either an authenticated user (stable
// user ID plus plan tier) or an anonymous visitor identified by an opaque
// device fingerprint.
package domain

import (
	"github.com/google/uuid"
)

// PrincipalKind identifies how a principal is tracked.
type PrincipalKind string

const (
	PrincipalAnonymous     PrincipalKind = "anonymous"
	PrincipalAuthenticated PrincipalKind = "authenticated"
)

// PlanTier is the closed set of subscription plans.
// Unknown plan strings must never grant access; ParsePlanTier defaults
// them to free.
type PlanTier string

const (
	PlanFree PlanTier = "free"
	PlanPaid PlanTier = "paid"
)

// ParsePlanTier maps a stored plan string to a PlanTier, defaulting
// unrecognized values to free.
func ParsePlanTier(s string) PlanTier {
	switch PlanTier(s) {
	case PlanFree, PlanPaid:
		return PlanTier(s)
	default:
		return PlanFree
	}
}

// Principal identifies who is consuming quota. It is an immutable value for
// the lifetime of one request-handling cycle.
type Principal struct {
	Kind        PrincipalKind
	UserID      uuid.UUID // Authenticated only
	Plan        PlanTier  // Authenticated only
	Fingerprint string    // Anonymous only; normalized lowercase hex
}

// NewAuthenticated builds an authenticated principal.
func NewAuthenticated(userID uuid.UUID, plan PlanTier) Principal {
	return Principal{
		Kind:   PrincipalAuthenticated,
		UserID: userID,
		Plan:   plan,
	}
}

// NewAnonymous builds an anonymous principal from an already-normalized
// fingerprint. Callers must validate the fingerprint with
// NormalizeFingerprint first.
func NewAnonymous(fingerprint string) Principal {
	return Principal{
		Kind:        PrincipalAnonymous,
		Fingerprint: fingerprint,
	}
}

// IsPaid reports whether the principal is on the unlimited paid tier.
func (p Principal) IsPaid() bool {
	return p.Kind == PrincipalAuthenticated && p.Plan == PlanPaid
}
