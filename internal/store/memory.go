package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finchlabs/easel/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory UsageStore used by tests and local
// development. All mutations happen under one mutex, which gives the same
// atomicity guarantees the Postgres store gets from single-statement
// updates.
type MemoryStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*domain.UserUsage
	anon  map[string]*domain.AnonymousUsage

	accesses atomic.Int64

	// FailWrites makes every mutation return an internal error, for
	// exercising store-failure paths.
	FailWrites bool
	// FailReads makes every read return an internal error.
	FailReads bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]*domain.UserUsage),
		anon:  make(map[string]*domain.AnonymousUsage),
	}
}

// SeedUser inserts or replaces a user record. Test setup helper; user rows
// are otherwise owned by the identity layer.
func (s *MemoryStore) SeedUser(rec domain.UserUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.users[rec.UserID] = &cp
}

// AccessCount returns how many store operations have been performed.
// Used by tests that assert validation failures never reach the store.
func (s *MemoryStore) AccessCount() int64 {
	return s.accesses.Load()
}

func (s *MemoryStore) GetUserUsage(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error) {
	const op = "store.get_user_usage"
	s.accesses.Add(1)
	if s.FailReads {
		return nil, domain.Internal(errFail, op, "store read failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return nil, domain.NotFound(op, "user", userID.String())
	}
	return copyUser(rec), nil
}

func (s *MemoryStore) IncrementUserUsage(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error) {
	const op = "store.increment_user_usage"
	s.accesses.Add(1)
	if s.FailWrites {
		return nil, domain.Internal(errFail, op, "store write failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return nil, domain.NotFound(op, "user", userID.String())
	}
	rec.UsageCount++
	rec.UpdatedAt = time.Now().UTC()
	return copyUser(rec), nil
}

func (s *MemoryStore) ResetUserUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*domain.UserUsage, error) {
	const op = "store.reset_user_usage"
	s.accesses.Add(1)
	if s.FailWrites {
		return nil, domain.Internal(errFail, op, "store write failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return nil, domain.NotFound(op, "user", userID.String())
	}
	d := domain.UTCDay(day)
	rec.UsageCount = 1
	rec.LastUsageDate = &d
	rec.UpdatedAt = time.Now().UTC()
	return copyUser(rec), nil
}

func (s *MemoryStore) SetUserPlan(ctx context.Context, userID uuid.UUID, plan domain.PlanTier) error {
	const op = "store.set_user_plan"
	s.accesses.Add(1)
	if s.FailWrites {
		return domain.Internal(errFail, op, "store write failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return domain.NotFound(op, "user", userID.String())
	}
	rec.Plan = plan
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetUserStripeCustomer(ctx context.Context, userID uuid.UUID, customerID string) error {
	const op = "store.set_user_stripe_customer"
	s.accesses.Add(1)
	if s.FailWrites {
		return domain.Internal(errFail, op, "store write failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return domain.NotFound(op, "user", userID.String())
	}
	rec.StripeCustomerID = customerID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*domain.UserUsage, error) {
	const op = "store.get_user_by_stripe_customer"
	s.accesses.Add(1)
	if s.FailReads {
		return nil, domain.Internal(errFail, op, "store read failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.users {
		if rec.StripeCustomerID == customerID {
			return copyUser(rec), nil
		}
	}
	return nil, domain.NotFound(op, "user", customerID)
}

func (s *MemoryStore) GetAnonymousUsage(ctx context.Context, fingerprint string) (*domain.AnonymousUsage, error) {
	const op = "store.get_anonymous_usage"
	s.accesses.Add(1)
	if s.FailReads {
		return nil, domain.Internal(errFail, op, "store read failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.anon[fingerprint]
	if !ok {
		return nil, domain.NotFound(op, "anonymous usage", fingerprint)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpsertAnonymousUsage(ctx context.Context, fingerprint string) (*domain.AnonymousUsage, error) {
	const op = "store.upsert_anonymous_usage"
	s.accesses.Add(1)
	if s.FailWrites {
		return nil, domain.Internal(errFail, op, "store write failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec, ok := s.anon[fingerprint]
	if !ok {
		rec = &domain.AnonymousUsage{
			Fingerprint: fingerprint,
			UsageCount:  1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.anon[fingerprint] = rec
	} else {
		rec.UsageCount++
		rec.UpdatedAt = now
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) DeleteAnonymousUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.cleanup_anonymous_usage"
	s.accesses.Add(1)
	if s.FailWrites {
		return 0, domain.Internal(errFail, op, "store write failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for fp, rec := range s.anon {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.anon, fp)
			removed++
		}
	}
	return removed, nil
}

func copyUser(rec *domain.UserUsage) *domain.UserUsage {
	cp := *rec
	if rec.LastUsageDate != nil {
		d := *rec.LastUsageDate
		cp.LastUsageDate = &d
	}
	return &cp
}

var errFail = &failError{}

type failError struct{}

func (*failError) Error() string { return "store failure injected" }
