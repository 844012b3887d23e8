// Package service contains the business logic layer.
//
// This file implements the usage service: admission checks before an image
// generation starts, and quota commits after one succeeds. The two phases
// are deliberately separate so a failed generation never consumes quota.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/finchlabs/easel/internal/cache"
	"github.com/finchlabs/easel/internal/domain"
	"github.com/finchlabs/easel/internal/metrics"
	"github.com/finchlabs/easel/internal/store"
	"github.com/google/uuid"
)

// UsageService defines quota accounting operations.
type UsageService interface {
	// CheckAdmission decides whether the principal may start a generation.
	// The decision is advisory between check and commit: a concurrent
	// commit can consume the last slot, and the commit path tolerates the
	// resulting slight overshoot.
	//
	// A store failure fails closed: the returned check is a retryable
	// denial, along with a domain.EUNAVAILABLE error for logging.
	CheckAdmission(ctx context.Context, p domain.Principal) (*domain.UsageCheck, error)

	// Commit records one completed generation for the principal. Paid
	// principals are a no-op. A store failure fails open: the error is
	// returned for logging but the generation stands and the quota is
	// under-counted rather than the user's work discarded.
	Commit(ctx context.Context, p domain.Principal) (*domain.UsageStatus, error)

	// Status reports the principal's current entitlement without consuming
	// anything. Unlike CheckAdmission it degrades on store failure to a
	// permissive default instead of denying, since it only feeds display.
	Status(ctx context.Context, p domain.Principal) (*domain.UsageStatus, error)

	// InvalidateUser drops the cached record for a user. Called after
	// out-of-band plan changes (billing webhooks).
	InvalidateUser(userID uuid.UUID)

	// CleanupAnonymousUsage deletes anonymous records untouched for the
	// retention period and returns how many were removed.
	CleanupAnonymousUsage(ctx context.Context) (int64, error)
}

// AnonymousRetention is how long an untouched anonymous record survives
// before the maintenance sweep removes it. A returning device past this
// horizon starts from a fresh count.
const AnonymousRetention = 30 * 24 * time.Hour

type usageService struct {
	store     store.UsageStore
	userCache *cache.Cache[*domain.UserUsage]
	anonCache *cache.Cache[*domain.AnonymousUsage]
	limits    domain.Limits
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewUsageService creates a usage service over the given store and caches.
func NewUsageService(
	st store.UsageStore,
	userCache *cache.Cache[*domain.UserUsage],
	anonCache *cache.Cache[*domain.AnonymousUsage],
	limits domain.Limits,
	logger *slog.Logger,
) UsageService {
	return &usageService{
		store:     st,
		userCache: userCache,
		anonCache: anonCache,
		limits:    limits,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckAdmission decides whether the principal may start a generation.
func (s *usageService) CheckAdmission(ctx context.Context, p domain.Principal) (*domain.UsageCheck, error) {
	const op = "usage.check_admission"

	// Paid users skip the record lookup entirely.
	if p.IsPaid() {
		status := domain.EvaluatePaid()
		metrics.AdmissionChecks.WithLabelValues(string(p.Kind), "allowed").Inc()
		return &domain.UsageCheck{Allowed: true, Status: status}, nil
	}

	status, err := s.loadStatus(ctx, p)
	if err != nil {
		// Fail closed: an unverifiable quota is a denied request, not a
		// free one.
		s.logger.Error("admission check store failure",
			"kind", p.Kind,
			"error", err,
		)
		metrics.AdmissionChecks.WithLabelValues(string(p.Kind), "unavailable").Inc()
		return &domain.UsageCheck{
			Allowed: false,
			Status:  s.safeDefaultStatus(p),
			Denial:  domain.UnavailableDenial(),
		}, domain.Unavailable(err, op)
	}

	if !status.CanUse {
		metrics.AdmissionChecks.WithLabelValues(string(p.Kind), "denied").Inc()
		return &domain.UsageCheck{
			Allowed: false,
			Status:  status,
			Denial:  domain.DenialFor(status),
		}, nil
	}

	metrics.AdmissionChecks.WithLabelValues(string(p.Kind), "allowed").Inc()
	return &domain.UsageCheck{Allowed: true, Status: status}, nil
}

// Commit records one completed generation for the principal.
func (s *usageService) Commit(ctx context.Context, p domain.Principal) (*domain.UsageStatus, error) {
	const op = "usage.commit"

	if p.IsPaid() {
		status := domain.EvaluatePaid()
		return &status, nil
	}

	switch p.Kind {
	case domain.PrincipalAuthenticated:
		return s.commitUser(ctx, op, p)
	case domain.PrincipalAnonymous:
		return s.commitAnonymous(ctx, op, p)
	default:
		return nil, domain.Errorf(domain.EINTERNAL, op, "unknown principal kind %q", p.Kind)
	}
}

// commitUser consumes one slot of a free user's daily quota. The commit
// always reads the store fresh: cached records are fine for admission but a
// write decision (increment vs. day reset) must not ride on stale data.
func (s *usageService) commitUser(ctx context.Context, op string, p domain.Principal) (*domain.UsageStatus, error) {
	now := s.now()

	rec, err := s.store.GetUserUsage(ctx, p.UserID)
	if err != nil {
		return s.commitFailed(op, p, err)
	}

	var updated *domain.UserUsage
	if rec.LastUsageDate == nil || !domain.SameUTCDay(*rec.LastUsageDate, now) {
		// First generation of a new UTC day: physically reset the counter
		// the rollover made read-invisible.
		updated, err = s.store.ResetUserUsage(ctx, p.UserID, domain.UTCDay(now))
	} else {
		updated, err = s.store.IncrementUserUsage(ctx, p.UserID)
	}
	if err != nil {
		return s.commitFailed(op, p, err)
	}

	// Invalidate, never write through: the next read repopulates from the
	// store, which stays the single source of truth.
	s.userCache.Delete(cache.UserUsageKey(p.UserID))
	metrics.UsageCommits.WithLabelValues(string(p.Kind), "ok").Inc()

	status := domain.EvaluateFreeUser(updated, s.limits, now)
	return &status, nil
}

// commitAnonymous consumes one slot of a fingerprint's lifetime quota via a
// single atomic upsert.
func (s *usageService) commitAnonymous(ctx context.Context, op string, p domain.Principal) (*domain.UsageStatus, error) {
	updated, err := s.store.UpsertAnonymousUsage(ctx, p.Fingerprint)
	if err != nil {
		return s.commitFailed(op, p, err)
	}

	s.anonCache.Delete(cache.AnonymousUsageKey(p.Fingerprint))
	metrics.UsageCommits.WithLabelValues(string(p.Kind), "ok").Inc()

	status := domain.EvaluateAnonymous(updated, s.limits)
	return &status, nil
}

// commitFailed logs and wraps a commit-side store failure. The cache is
// deliberately left untouched so no unbacked count can be served.
func (s *usageService) commitFailed(op string, p domain.Principal, err error) (*domain.UsageStatus, error) {
	s.logger.Error("usage commit failed, quota will under-count",
		"kind", p.Kind,
		"error", err,
	)
	metrics.UsageCommits.WithLabelValues(string(p.Kind), "error").Inc()
	return nil, domain.Internal(err, op, "failed to record usage")
}

// Status reports entitlement for display, degrading to a permissive default
// on store failure.
func (s *usageService) Status(ctx context.Context, p domain.Principal) (*domain.UsageStatus, error) {
	if p.IsPaid() {
		status := domain.EvaluatePaid()
		return &status, nil
	}

	status, err := s.loadStatus(ctx, p)
	if err != nil {
		s.logger.Warn("usage status store failure, returning default",
			"kind", p.Kind,
			"error", err,
		)
		fallback := s.safeDefaultStatus(p)
		return &fallback, nil
	}
	return &status, nil
}

// loadStatus computes the principal's entitlement through the read-through
// cache. A missing store record evaluates as count zero rather than an
// error: a user who has never generated simply has full quota.
func (s *usageService) loadStatus(ctx context.Context, p domain.Principal) (domain.UsageStatus, error) {
	now := s.now()

	switch p.Kind {
	case domain.PrincipalAuthenticated:
		rec, err := s.loadUserRecord(ctx, p.UserID)
		if err != nil {
			return domain.UsageStatus{}, err
		}
		return domain.EvaluateFreeUser(rec, s.limits, now), nil

	case domain.PrincipalAnonymous:
		rec, err := s.loadAnonymousRecord(ctx, p.Fingerprint)
		if err != nil {
			return domain.UsageStatus{}, err
		}
		return domain.EvaluateAnonymous(rec, s.limits), nil

	default:
		return domain.UsageStatus{}, domain.Errorf(domain.EINTERNAL, "usage.load_status",
			"unknown principal kind %q", p.Kind)
	}
}

func (s *usageService) loadUserRecord(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error) {
	key := cache.UserUsageKey(userID)
	if rec, ok := s.userCache.Get(key); ok {
		metrics.CacheRequests.WithLabelValues("user", "hit").Inc()
		return rec, nil
	}
	metrics.CacheRequests.WithLabelValues("user", "miss").Inc()

	rec, err := s.store.GetUserUsage(ctx, userID)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return nil, nil
		}
		return nil, err
	}

	s.userCache.Set(key, rec, cache.UserUsageTTL)
	return rec, nil
}

func (s *usageService) loadAnonymousRecord(ctx context.Context, fingerprint string) (*domain.AnonymousUsage, error) {
	key := cache.AnonymousUsageKey(fingerprint)
	if rec, ok := s.anonCache.Get(key); ok {
		metrics.CacheRequests.WithLabelValues("anonymous", "hit").Inc()
		return rec, nil
	}
	metrics.CacheRequests.WithLabelValues("anonymous", "miss").Inc()

	rec, err := s.store.GetAnonymousUsage(ctx, fingerprint)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return nil, nil
		}
		return nil, err
	}

	s.anonCache.Set(key, rec, cache.AnonymousUsageTTL)
	return rec, nil
}

// InvalidateUser drops the cached record for a user.
func (s *usageService) InvalidateUser(userID uuid.UUID) {
	s.userCache.Delete(cache.UserUsageKey(userID))
}

// CleanupAnonymousUsage deletes anonymous records past the retention
// horizon.
func (s *usageService) CleanupAnonymousUsage(ctx context.Context) (int64, error) {
	const op = "usage.cleanup_anonymous"

	cutoff := s.now().Add(-AnonymousRetention)
	removed, err := s.store.DeleteAnonymousUsageBefore(ctx, cutoff)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to delete expired anonymous usage")
	}
	if removed > 0 {
		s.logger.Info("cleaned up anonymous usage records",
			"removed", removed,
			"cutoff", cutoff,
		)
	}
	return removed, nil
}

// safeDefaultStatus is the display fallback when the store cannot be read:
// full remaining quota for the tier, usable. Admission never trusts it.
func (s *usageService) safeDefaultStatus(p domain.Principal) domain.UsageStatus {
	if p.Kind == domain.PrincipalAuthenticated {
		return domain.EvaluateFreeUser(nil, s.limits, s.now())
	}
	return domain.EvaluateAnonymous(nil, s.limits)
}
