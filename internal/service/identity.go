// Package service contains the business logic layer.
//
// This file implements principal resolution: mapping an incoming request's
// session user ID or device fingerprint to a typed Principal.
package service

import (
	"context"
	"log/slog"

	"github.com/finchlabs/easel/internal/cache"
	"github.com/finchlabs/easel/internal/domain"
	"github.com/finchlabs/easel/internal/metrics"
	"github.com/finchlabs/easel/internal/store"
	"github.com/google/uuid"
)

// IdentityService resolves requests to principals.
type IdentityService interface {
	// Resolve builds the principal for a request. A non-nil userID wins
	// over any fingerprint; the user's plan is read from the store so a
	// tampered or stale client claim can never grant paid access. A session
	// user ID with no store record is an integrity fault and resolves to
	// domain.EUNAUTHORIZED, never a silent downgrade to anonymous.
	//
	// Without a userID the fingerprint is normalized and validated; an
	// invalid fingerprint yields domain.EINVALID.
	Resolve(ctx context.Context, userID *uuid.UUID, fingerprint string) (domain.Principal, error)
}

type identityService struct {
	store store.UsageStore

	// userCache must be the same instance the usage service invalidates,
	// so plan changes from the billing webhook are visible immediately.
	userCache *cache.Cache[*domain.UserUsage]
	logger    *slog.Logger
}

// NewIdentityService creates an IdentityService over the given store and
// user-record cache.
func NewIdentityService(st store.UsageStore, userCache *cache.Cache[*domain.UserUsage], logger *slog.Logger) IdentityService {
	return &identityService{
		store:     st,
		userCache: userCache,
		logger:    logger,
	}
}

func (s *identityService) Resolve(ctx context.Context, userID *uuid.UUID, fingerprint string) (domain.Principal, error) {
	const op = "identity.resolve"

	if userID != nil {
		rec, err := s.loadUser(ctx, *userID)
		if err != nil {
			if domain.ErrorCode(err) == domain.ENOTFOUND {
				s.logger.Warn("session user has no account record",
					"user_id", *userID,
				)
				return domain.Principal{}, domain.Unauthorized(op, "Your session is no longer valid. Please sign in again.")
			}
			return domain.Principal{}, domain.Internal(err, op, "failed to load user")
		}
		return domain.NewAuthenticated(rec.UserID, rec.Plan), nil
	}

	normalized, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return domain.Principal{}, err
	}
	return domain.NewAnonymous(normalized), nil
}

// loadUser reads the user record through the shared cache.
func (s *identityService) loadUser(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error) {
	key := cache.UserUsageKey(userID)
	if rec, ok := s.userCache.Get(key); ok {
		metrics.CacheRequests.WithLabelValues("user", "hit").Inc()
		return rec, nil
	}
	metrics.CacheRequests.WithLabelValues("user", "miss").Inc()

	rec, err := s.store.GetUserUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.userCache.Set(key, rec, cache.UserUsageTTL)
	return rec, nil
}
