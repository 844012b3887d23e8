package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datePtr(t time.Time) *time.Time {
	d := UTCDay(t)
	return &d
}

func TestEvaluateFreeUser(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	limits := DefaultLimits

	tests := []struct {
		name          string
		rec           *UserUsage
		wantRemaining int
		wantCanUse    bool
	}{
		{
			name:          "no record means full quota",
			rec:           nil,
			wantRemaining: 10,
			wantCanUse:    true,
		},
		{
			name: "never used",
			rec: &UserUsage{
				UsageCount:    0,
				LastUsageDate: nil,
			},
			wantRemaining: 10,
			wantCanUse:    true,
		},
		{
			name: "partial use today",
			rec: &UserUsage{
				UsageCount:    4,
				LastUsageDate: datePtr(now),
			},
			wantRemaining: 6,
			wantCanUse:    true,
		},
		{
			name: "exhausted today",
			rec: &UserUsage{
				UsageCount:    10,
				LastUsageDate: datePtr(now),
			},
			wantRemaining: 0,
			wantCanUse:    false,
		},
		{
			name: "count above limit clamps to zero",
			rec: &UserUsage{
				UsageCount:    15,
				LastUsageDate: datePtr(now),
			},
			wantRemaining: 0,
			wantCanUse:    false,
		},
		{
			name: "stale count from yesterday rolls over without a write",
			rec: &UserUsage{
				UsageCount:    10,
				LastUsageDate: datePtr(now.AddDate(0, 0, -1)),
			},
			wantRemaining: 10,
			wantCanUse:    true,
		},
		{
			name: "stale count from last month rolls over",
			rec: &UserUsage{
				UsageCount:    3,
				LastUsageDate: datePtr(now.AddDate(0, -1, 0)),
			},
			wantRemaining: 10,
			wantCanUse:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := EvaluateFreeUser(tt.rec, limits, now)

			assert.Equal(t, PrincipalAuthenticated, status.Kind)
			assert.Equal(t, PlanFree, status.Plan)
			assert.Equal(t, tt.wantRemaining, status.Remaining)
			assert.Equal(t, limits.FreeDaily, status.DailyLimit)
			assert.Equal(t, tt.wantCanUse, status.CanUse)
			assert.False(t, status.IsUnlimited)

			require.NotNil(t, status.ResetTime)
			assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), *status.ResetTime)
		})
	}
}

func TestEvaluateFreeUserRolloverBoundary(t *testing.T) {
	// A count written at 23:59 UTC becomes invisible one minute later.
	lastUse := time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC)
	rec := &UserUsage{UsageCount: 10, LastUsageDate: datePtr(lastUse)}

	before := EvaluateFreeUser(rec, DefaultLimits, lastUse)
	assert.False(t, before.CanUse)

	after := EvaluateFreeUser(rec, DefaultLimits, lastUse.Add(time.Minute))
	assert.True(t, after.CanUse)
	assert.Equal(t, DefaultLimits.FreeDaily, after.Remaining)
}

func TestEvaluateAnonymous(t *testing.T) {
	tests := []struct {
		name          string
		rec           *AnonymousUsage
		wantRemaining int
		wantCanUse    bool
	}{
		{"new device", nil, 5, true},
		{"partial use", &AnonymousUsage{UsageCount: 3}, 2, true},
		{"exhausted", &AnonymousUsage{UsageCount: 5}, 0, false},
		{"over limit clamps", &AnonymousUsage{UsageCount: 9}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := EvaluateAnonymous(tt.rec, DefaultLimits)

			assert.Equal(t, PrincipalAnonymous, status.Kind)
			assert.Equal(t, tt.wantRemaining, status.Remaining)
			assert.Equal(t, tt.wantCanUse, status.CanUse)
			// Lifetime cap: no daily reset to report
			assert.Nil(t, status.ResetTime)
		})
	}
}

func TestEvaluatePaid(t *testing.T) {
	status := EvaluatePaid()

	assert.True(t, status.CanUse)
	assert.True(t, status.IsUnlimited)
	assert.Equal(t, Unlimited, status.Remaining)
	assert.Equal(t, Unlimited, status.DailyLimit)
	assert.Nil(t, status.ResetTime)
}

func TestDenialFor(t *testing.T) {
	t.Run("anonymous suggests sign in", func(t *testing.T) {
		status := EvaluateAnonymous(&AnonymousUsage{UsageCount: 5}, DefaultLimits)
		denial := DenialFor(status)

		assert.Equal(t, DenialAnonymousLimit, denial.Reason)
		assert.Contains(t, denial.Message, "sign in")
		assert.False(t, denial.UpgradeRequired)
		assert.Nil(t, denial.ResetTime)
	})

	t.Run("free user suggests upgrade with reset time", func(t *testing.T) {
		now := time.Now().UTC()
		status := EvaluateFreeUser(&UserUsage{
			UsageCount:    10,
			LastUsageDate: datePtr(now),
		}, DefaultLimits, now)
		denial := DenialFor(status)

		assert.Equal(t, DenialDailyLimit, denial.Reason)
		assert.Contains(t, denial.Message, "Upgrade")
		assert.True(t, denial.UpgradeRequired)
		require.NotNil(t, denial.ResetTime)
		assert.Equal(t, *status.ResetTime, *denial.ResetTime)
	})
}

func TestUnavailableDenial(t *testing.T) {
	denial := UnavailableDenial()

	assert.Equal(t, DenialStoreUnavailable, denial.Reason)
	assert.True(t, denial.Retryable)
	assert.False(t, denial.UpgradeRequired)
}

func TestParsePlanTier(t *testing.T) {
	tests := []struct {
		input string
		want  PlanTier
	}{
		{"free", PlanFree},
		{"paid", PlanPaid},
		{"", PlanFree},
		{"enterprise", PlanFree},
		{"PAID", PlanFree},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePlanTier(tt.input), "input %q", tt.input)
	}
}

func TestPrincipalIsPaid(t *testing.T) {
	userID := uuid.New()

	assert.True(t, NewAuthenticated(userID, PlanPaid).IsPaid())
	assert.False(t, NewAuthenticated(userID, PlanFree).IsPaid())
	assert.False(t, NewAnonymous("abcdef1234567890").IsPaid())
}
