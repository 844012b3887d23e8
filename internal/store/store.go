// Package store provides the durable usage store.
//
// The interface is deliberately narrow: every mutation is a single atomic
// store operation (conditional update or insert-on-conflict), never a
// read-modify-write pair, so concurrent commits for the same principal can
// never lose an update. Two implementations exist: a Postgres store backed
// by pgx for production, and a mutex-guarded in-memory store for tests.
package store

import (
	"context"
	"time"

	"github.com/finchlabs/easel/internal/domain"
	"github.com/google/uuid"
)

// UsageStore is the durable record of consumption per principal.
type UsageStore interface {
	// GetUserUsage returns the usage record for an authenticated user.
	// Returns domain.ENOTFOUND if no such user exists.
	GetUserUsage(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error)

	// IncrementUserUsage atomically adds one to the user's count and
	// returns the post-write record. The stored last-usage date is left
	// unchanged. Returns domain.ENOTFOUND if no such user exists.
	IncrementUserUsage(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error)

	// ResetUserUsage atomically sets the user's count to one and the
	// last-usage date to the given UTC day, returning the post-write
	// record. This is the lazy physical rollover performed by the first
	// commit of a new day. Returns domain.ENOTFOUND if no such user exists.
	ResetUserUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*domain.UserUsage, error)

	// SetUserPlan updates the user's plan tier (billing webhook path).
	// Returns domain.ENOTFOUND if no such user exists.
	SetUserPlan(ctx context.Context, userID uuid.UUID, plan domain.PlanTier) error

	// SetUserStripeCustomer records the user's Stripe customer ID after
	// checkout customer creation. Returns domain.ENOTFOUND if no such
	// user exists.
	SetUserStripeCustomer(ctx context.Context, userID uuid.UUID, customerID string) error

	// GetUserByStripeCustomerID resolves a Stripe customer ID to the
	// user's usage record (billing webhook path). Returns
	// domain.ENOTFOUND if no user carries that customer ID.
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*domain.UserUsage, error)

	// GetAnonymousUsage returns the usage record for a fingerprint.
	// Returns domain.ENOTFOUND if the fingerprint has never been seen.
	GetAnonymousUsage(ctx context.Context, fingerprint string) (*domain.AnonymousUsage, error)

	// UpsertAnonymousUsage atomically records one generation for the
	// fingerprint: inserts a fresh record with count one, or adds one to
	// the existing count. Two concurrent calls for the same fingerprint
	// must yield count += 2, never a lost update or a duplicate-row error.
	UpsertAnonymousUsage(ctx context.Context, fingerprint string) (*domain.AnonymousUsage, error)

	// DeleteAnonymousUsageBefore removes anonymous records last touched
	// before the cutoff. Retention sweep only; correctness never depends
	// on it.
	DeleteAnonymousUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
