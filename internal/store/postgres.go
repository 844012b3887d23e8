package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/finchlabs/easel/internal/domain"
	"github.com/finchlabs/easel/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SlowQueryThreshold is the latency above which a store operation is logged
// as slow.
const SlowQueryThreshold = 100 * time.Millisecond

// PostgresStore implements UsageStore on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a Postgres-backed usage store.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

const userUsageColumns = `id, email, plan, usage_count, last_usage_date, stripe_customer_id, created_at, updated_at`

func (s *PostgresStore) GetUserUsage(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error) {
	const op = "store.get_user_usage"
	defer s.observe(op, time.Now())

	row := s.pool.QueryRow(ctx,
		`SELECT `+userUsageColumns+` FROM users WHERE id = $1`, userID)
	return s.scanUserUsage(row, op, userID)
}

func (s *PostgresStore) IncrementUserUsage(ctx context.Context, userID uuid.UUID) (*domain.UserUsage, error) {
	const op = "store.increment_user_usage"
	defer s.observe(op, time.Now())

	// Single atomic update; concurrent increments serialize at the row.
	row := s.pool.QueryRow(ctx,
		`UPDATE users
		 SET usage_count = usage_count + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING `+userUsageColumns, userID)
	return s.scanUserUsage(row, op, userID)
}

func (s *PostgresStore) ResetUserUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*domain.UserUsage, error) {
	const op = "store.reset_user_usage"
	defer s.observe(op, time.Now())

	row := s.pool.QueryRow(ctx,
		`UPDATE users
		 SET usage_count = 1, last_usage_date = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+userUsageColumns, userID, domain.UTCDay(day))
	return s.scanUserUsage(row, op, userID)
}

func (s *PostgresStore) SetUserPlan(ctx context.Context, userID uuid.UUID, plan domain.PlanTier) error {
	const op = "store.set_user_plan"
	defer s.observe(op, time.Now())

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET plan = $2, updated_at = now() WHERE id = $1`,
		userID, string(plan))
	if err != nil {
		return domain.Internal(err, op, "failed to update user plan")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "user", userID.String())
	}
	return nil
}

func (s *PostgresStore) SetUserStripeCustomer(ctx context.Context, userID uuid.UUID, customerID string) error {
	const op = "store.set_user_stripe_customer"
	defer s.observe(op, time.Now())

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET stripe_customer_id = $2, updated_at = now() WHERE id = $1`,
		userID, customerID)
	if err != nil {
		return domain.Internal(err, op, "failed to update stripe customer")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "user", userID.String())
	}
	return nil
}

func (s *PostgresStore) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*domain.UserUsage, error) {
	const op = "store.get_user_by_stripe_customer"
	defer s.observe(op, time.Now())

	row := s.pool.QueryRow(ctx,
		`SELECT `+userUsageColumns+` FROM users WHERE stripe_customer_id = $1`, customerID)

	var (
		rec  domain.UserUsage
		plan string
	)
	err := row.Scan(&rec.UserID, &rec.Email, &plan, &rec.UsageCount,
		&rec.LastUsageDate, &rec.StripeCustomerID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(op, "user", customerID)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read user usage")
	}
	rec.Plan = domain.ParsePlanTier(plan)
	return &rec, nil
}

func (s *PostgresStore) GetAnonymousUsage(ctx context.Context, fingerprint string) (*domain.AnonymousUsage, error) {
	const op = "store.get_anonymous_usage"
	defer s.observe(op, time.Now())

	row := s.pool.QueryRow(ctx,
		`SELECT fingerprint_hash, usage_count, created_at, updated_at
		 FROM anonymous_usage WHERE fingerprint_hash = $1`, fingerprint)

	var rec domain.AnonymousUsage
	err := row.Scan(&rec.Fingerprint, &rec.UsageCount, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(op, "anonymous usage", fingerprint)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read anonymous usage")
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertAnonymousUsage(ctx context.Context, fingerprint string) (*domain.AnonymousUsage, error) {
	const op = "store.upsert_anonymous_usage"
	defer s.observe(op, time.Now())

	// INSERT ... ON CONFLICT closes the insert/increment race: two
	// concurrent commits for one fingerprint always yield count += 2.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO anonymous_usage (fingerprint_hash, usage_count)
		 VALUES ($1, 1)
		 ON CONFLICT (fingerprint_hash)
		 DO UPDATE SET usage_count = anonymous_usage.usage_count + 1, updated_at = now()
		 RETURNING fingerprint_hash, usage_count, created_at, updated_at`, fingerprint)

	var rec domain.AnonymousUsage
	if err := row.Scan(&rec.Fingerprint, &rec.UsageCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, domain.Internal(err, op, "failed to upsert anonymous usage")
	}
	return &rec, nil
}

func (s *PostgresStore) DeleteAnonymousUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.cleanup_anonymous_usage"
	defer s.observe(op, time.Now())

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM anonymous_usage WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to delete expired anonymous usage")
	}
	return tag.RowsAffected(), nil
}

// scanUserUsage scans a users row, mapping no-rows to ENOTFOUND and
// normalizing the plan through the closed tier set.
func (s *PostgresStore) scanUserUsage(row pgx.Row, op string, userID uuid.UUID) (*domain.UserUsage, error) {
	var (
		rec  domain.UserUsage
		plan string
	)
	err := row.Scan(&rec.UserID, &rec.Email, &plan, &rec.UsageCount,
		&rec.LastUsageDate, &rec.StripeCustomerID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(op, "user", userID.String())
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read user usage")
	}
	rec.Plan = domain.ParsePlanTier(plan)
	return &rec, nil
}

// observe records operation latency and flags slow store calls.
func (s *PostgresStore) observe(op string, start time.Time) {
	elapsed := time.Since(start)
	metrics.StoreOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if elapsed > SlowQueryThreshold {
		s.logger.Warn("slow store operation", "op", op, "duration_ms", elapsed.Milliseconds())
	}
}
