package resolver

import (
	"testing"
	"time"

	"github.com/finchbill/entitled/internal/config"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func rec(status subscriptiondomain.Status, tier string, periodEnd *time.Time) subscriptiondomain.SubscriptionRecord {
	return subscriptiondomain.SubscriptionRecord{
		Provider:        "card_billing",
		SubscriptionRef: "sub_" + tier + string(status),
		UserID:          "user_1",
		Status:          status,
		Tier:            tier,
		PeriodEnd:       periodEnd,
	}
}

func ts(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func TestResolve_NoRecordsFallsBackToFreeTier(t *testing.T) {
	policy := config.DefaultPolicy()

	got := Resolve("user_1", nil, testNow, policy)

	assert.Equal(t, "free", got.Tier)
	assert.False(t, got.Granting)
	assert.Equal(t, policy.LimitFor("free"), got.ResourceLimit)
	assert.Equal(t, testNow, got.ComputedAt)
}

func TestResolve_StatusPrecedence(t *testing.T) {
	policy := config.DefaultPolicy()

	records := []subscriptiondomain.SubscriptionRecord{
		rec(subscriptiondomain.StatusCancelPending, "premium", ts(72*time.Hour)),
		rec(subscriptiondomain.StatusActive, "premium", ts(24*time.Hour)),
		rec(subscriptiondomain.StatusGrace, "premium", ts(48*time.Hour)),
	}

	got := Resolve("user_1", records, testNow, policy)

	require.True(t, got.Granting)
	assert.Equal(t, subscriptiondomain.StatusActive, got.SourceStatus)
	assert.Equal(t, "premium", got.Tier)
}

func TestResolve_TieBreaksOnLatestPeriodEnd(t *testing.T) {
	policy := config.DefaultPolicy()

	early := rec(subscriptiondomain.StatusActive, "premium", ts(24*time.Hour))
	late := rec(subscriptiondomain.StatusActive, "premium", ts(96*time.Hour))
	late.SubscriptionRef = "sub_late"

	got := Resolve("user_1", []subscriptiondomain.SubscriptionRecord{early, late}, testNow, policy)

	assert.Equal(t, "sub_late", got.SourceRef)
}

func TestResolve_TerminalAndProvisionalNeverGrant(t *testing.T) {
	policy := config.DefaultPolicy()

	provisional := rec(subscriptiondomain.StatusActive, "premium", ts(24*time.Hour))
	provisional.Provisional = true

	records := []subscriptiondomain.SubscriptionRecord{
		provisional,
		rec(subscriptiondomain.StatusCancelled, "premium", ts(24*time.Hour)),
		rec(subscriptiondomain.StatusExpired, "premium", ts(24*time.Hour)),
		rec(subscriptiondomain.StatusRefunded, "premium", ts(24*time.Hour)),
	}

	got := Resolve("user_1", records, testNow, policy)

	assert.False(t, got.Granting)
	assert.Equal(t, "free", got.Tier)
}

func TestResolve_GraceStillGrants(t *testing.T) {
	policy := config.DefaultPolicy()

	records := []subscriptiondomain.SubscriptionRecord{
		rec(subscriptiondomain.StatusGrace, "premium", ts(24*time.Hour)),
	}

	got := Resolve("user_1", records, testNow, policy)

	require.True(t, got.Granting)
	assert.Equal(t, subscriptiondomain.StatusGrace, got.SourceStatus)
	assert.Equal(t, int64(1000), got.ResourceLimit)
}

func TestResolve_UnknownTierFallsBackToFreeTierName(t *testing.T) {
	policy := config.DefaultPolicy()

	records := []subscriptiondomain.SubscriptionRecord{
		rec(subscriptiondomain.StatusActive, "", ts(24*time.Hour)),
	}

	got := Resolve("user_1", records, testNow, policy)

	require.True(t, got.Granting)
	assert.Equal(t, "free", got.Tier)
}
