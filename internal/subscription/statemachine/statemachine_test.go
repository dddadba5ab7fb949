package statemachine

import (
	"testing"
	"time"

	"github.com/finchbill/entitled/internal/config"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	"github.com/finchbill/entitled/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func event(kind eventdomain.Kind, observedAt time.Time) *eventdomain.LifecycleEvent {
	return &eventdomain.LifecycleEvent{
		EventID:         "evt_" + string(kind) + observedAt.Format("150405"),
		Provider:        eventdomain.ProviderCardBilling,
		Kind:            kind,
		Provenance:      eventdomain.ProvenanceProvider,
		UserID:          "user_1",
		SubscriptionRef: "sub_1",
		Tier:            "premium",
		ObservedAt:      observedAt,
	}
}

func record(status domain.Status, lastObservedAt time.Time) *domain.SubscriptionRecord {
	return &domain.SubscriptionRecord{
		Provider:        "card_billing",
		SubscriptionRef: "sub_1",
		UserID:          "user_1",
		Status:          status,
		Tier:            "premium",
		LastObservedAt:  lastObservedAt,
	}
}

func TestApply_FirstEventCreatesRecord(t *testing.T) {
	policy := config.DefaultPolicy()

	decision := Apply(nil, event(eventdomain.KindActivated, testNow), testNow, policy)

	require.True(t, decision.Applied)
	require.NotNil(t, decision.Record)
	assert.Equal(t, domain.StatusActive, decision.Record.Status)
	assert.Equal(t, "premium", decision.Record.Tier)
	assert.False(t, decision.Record.Provisional)
	assert.Equal(t, testNow, decision.Record.LastObservedAt)
}

func TestApply_LifecycleTransitions(t *testing.T) {
	policy := config.DefaultPolicy()
	later := testNow.Add(time.Hour)

	tests := []struct {
		name       string
		current    domain.Status
		kind       eventdomain.Kind
		wantStatus domain.Status
	}{
		{"renewal keeps active", domain.StatusActive, eventdomain.KindRenewed, domain.StatusActive},
		{"plan change keeps active", domain.StatusActive, eventdomain.KindPlanChanged, domain.StatusActive},
		{"plan change recovers from grace", domain.StatusGrace, eventdomain.KindPlanChanged, domain.StatusActive},
		{"renewal failure enters grace", domain.StatusActive, eventdomain.KindRenewalFailed, domain.StatusGrace},
		{"renewal from grace recovers", domain.StatusGrace, eventdomain.KindRenewed, domain.StatusActive},
		{"auto renew disabled pends cancel", domain.StatusActive, eventdomain.KindAutoRenewDisabled, domain.StatusCancelPending},
		{"auto renew enabled reverses cancel", domain.StatusCancelPending, eventdomain.KindAutoRenewEnabled, domain.StatusActive},
		{"cancellation lands terminal", domain.StatusCancelPending, eventdomain.KindCancelled, domain.StatusCancelled},
		{"expiry from grace", domain.StatusGrace, eventdomain.KindExpired, domain.StatusExpired},
		{"refund from active", domain.StatusActive, eventdomain.KindRefunded, domain.StatusRefunded},
		{"activation re-opens cancelled lineage", domain.StatusCancelled, eventdomain.KindActivated, domain.StatusActive},
		{"activation re-opens expired lineage", domain.StatusExpired, eventdomain.KindActivated, domain.StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Apply(record(tt.current, testNow), event(tt.kind, later), testNow, policy)

			require.True(t, decision.Applied, "reason: %s", decision.Reason)
			assert.Equal(t, tt.wantStatus, decision.Record.Status)
			assert.Equal(t, tt.current, decision.From)
			assert.Equal(t, tt.wantStatus, decision.To)
		})
	}
}

func TestApply_NoOpTransitions(t *testing.T) {
	policy := config.DefaultPolicy()
	later := testNow.Add(time.Hour)

	tests := []struct {
		name    string
		current domain.Status
		kind    eventdomain.Kind
	}{
		{"auto renew enabled outside cancel pending", domain.StatusActive, eventdomain.KindAutoRenewEnabled},
		{"cancel on cancelled", domain.StatusCancelled, eventdomain.KindCancelled},
		{"expire on expired", domain.StatusExpired, eventdomain.KindExpired},
		{"renewal failure after cancel", domain.StatusCancelled, eventdomain.KindRenewalFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := record(tt.current, testNow)
			decision := Apply(current, event(tt.kind, later), testNow, policy)

			assert.False(t, decision.Applied)
			assert.Equal(t, ReasonNoOp, decision.Reason)
			assert.Equal(t, tt.current, decision.Record.Status)
		})
	}
}

func TestApply_StaleEventRejected(t *testing.T) {
	policy := config.DefaultPolicy()
	current := record(domain.StatusCancelPending, testNow)

	stale := event(eventdomain.KindRenewed, testNow.Add(-time.Hour))
	decision := Apply(current, stale, testNow, policy)

	assert.False(t, decision.Applied)
	assert.Equal(t, ReasonStale, decision.Reason)
	assert.Equal(t, domain.StatusCancelPending, decision.Record.Status)
}

func TestApply_RefundWinsRegardlessOfOrder(t *testing.T) {
	policy := config.DefaultPolicy()
	current := record(domain.StatusActive, testNow)

	// Refund observed before the last applied event still applies.
	refund := event(eventdomain.KindRefunded, testNow.Add(-2*time.Hour))
	decision := Apply(current, refund, testNow, policy)

	require.True(t, decision.Applied)
	assert.Equal(t, domain.StatusRefunded, decision.Record.Status)
}

func TestApply_RefundedAbsorbsEverything(t *testing.T) {
	policy := config.DefaultPolicy()
	later := testNow.Add(time.Hour)

	for _, kind := range []eventdomain.Kind{
		eventdomain.KindActivated,
		eventdomain.KindRenewed,
		eventdomain.KindPlanChanged,
		eventdomain.KindRenewalFailed,
		eventdomain.KindAutoRenewEnabled,
		eventdomain.KindCancelled,
		eventdomain.KindExpired,
		eventdomain.KindRefunded,
	} {
		current := record(domain.StatusRefunded, testNow)
		decision := Apply(current, event(kind, later), testNow, policy)

		assert.False(t, decision.Applied, "kind %s must not apply", kind)
		assert.Equal(t, ReasonRefundedAbsorbing, decision.Reason)
		assert.Equal(t, domain.StatusRefunded, decision.Record.Status)
	}
}

func TestApply_PlanChangeCarriesTierAndCycle(t *testing.T) {
	policy := config.DefaultPolicy()
	current := record(domain.StatusActive, testNow)
	current.BillingCycle = "monthly"

	ev := event(eventdomain.KindPlanChanged, testNow.Add(time.Hour))
	ev.Tier = "premium_plus"
	ev.BillingCycle = "annual"
	decision := Apply(current, ev, testNow, policy)

	require.True(t, decision.Applied)
	assert.Equal(t, domain.StatusActive, decision.Record.Status)
	assert.Equal(t, "premium_plus", decision.Record.Tier)
	assert.Equal(t, "annual", decision.Record.BillingCycle)

	// An event without a cycle leaves the stored one in place.
	renew := event(eventdomain.KindRenewed, testNow.Add(2*time.Hour))
	decision = Apply(decision.Record, renew, testNow, policy)
	require.True(t, decision.Applied)
	assert.Equal(t, "annual", decision.Record.BillingCycle)
}

func TestApply_StalePlanChangeRejected(t *testing.T) {
	policy := config.DefaultPolicy()
	current := record(domain.StatusActive, testNow)

	stale := event(eventdomain.KindPlanChanged, testNow.Add(-time.Hour))
	decision := Apply(current, stale, testNow, policy)

	assert.False(t, decision.Applied)
	assert.Equal(t, ReasonStale, decision.Reason)
}

func TestApply_GraceDeadline(t *testing.T) {
	policy := config.DefaultPolicy()

	t.Run("provider supplied grace window", func(t *testing.T) {
		graceUntil := testNow.Add(48 * time.Hour)
		ev := event(eventdomain.KindRenewalFailed, testNow)
		ev.GraceUntil = &graceUntil

		decision := Apply(record(domain.StatusActive, testNow.Add(-time.Hour)), ev, testNow, policy)

		require.True(t, decision.Applied)
		require.NotNil(t, decision.Record.GraceUntil)
		assert.Equal(t, graceUntil, *decision.Record.GraceUntil)
	})

	t.Run("policy fallback anchored at observation", func(t *testing.T) {
		ev := event(eventdomain.KindRenewalFailed, testNow)

		decision := Apply(record(domain.StatusActive, testNow.Add(-time.Hour)), ev, testNow, policy)

		require.True(t, decision.Applied)
		require.NotNil(t, decision.Record.GraceUntil)
		assert.Equal(t, testNow.Add(policy.GracePeriod), *decision.Record.GraceUntil)
	})
}

func TestApply_RecoveryClearsGrace(t *testing.T) {
	policy := config.DefaultPolicy()
	graceUntil := testNow.Add(24 * time.Hour)
	current := record(domain.StatusGrace, testNow)
	current.GraceUntil = &graceUntil

	decision := Apply(current, event(eventdomain.KindRenewed, testNow.Add(time.Hour)), testNow, policy)

	require.True(t, decision.Applied)
	assert.Equal(t, domain.StatusActive, decision.Record.Status)
	assert.Nil(t, decision.Record.GraceUntil)
}

func TestApply_ProvisionalPurchase(t *testing.T) {
	policy := config.DefaultPolicy()

	t.Run("creates provisional placeholder", func(t *testing.T) {
		ev := event(eventdomain.KindProvisionalPurchase, testNow)
		ev.Provenance = eventdomain.ProvenanceClient

		decision := Apply(nil, ev, testNow, policy)

		require.True(t, decision.Applied)
		assert.True(t, decision.Record.Provisional)
		require.NotNil(t, decision.Record.ProvisionalExpiresAt)
		assert.Equal(t, testNow.Add(policy.ProvisionalWindow), *decision.Record.ProvisionalExpiresAt)
	})

	t.Run("never resurrects a terminal lineage", func(t *testing.T) {
		for _, status := range []domain.Status{domain.StatusCancelled, domain.StatusExpired, domain.StatusRefunded} {
			ev := event(eventdomain.KindProvisionalPurchase, testNow.Add(time.Hour))
			decision := Apply(record(status, testNow), ev, testNow, policy)

			assert.False(t, decision.Applied, "status %s", status)
			assert.Equal(t, ReasonNoResurrection, decision.Reason)
		}
	})

	t.Run("never overrides an established record", func(t *testing.T) {
		ev := event(eventdomain.KindProvisionalPurchase, testNow.Add(time.Hour))
		decision := Apply(record(domain.StatusActive, testNow), ev, testNow, policy)

		assert.False(t, decision.Applied)
		assert.Equal(t, ReasonAlreadyEstablished, decision.Reason)
	})
}

func TestApply_CorroborationClearsProvisional(t *testing.T) {
	policy := config.DefaultPolicy()

	expires := testNow.Add(policy.ProvisionalWindow)
	current := record(domain.StatusActive, testNow)
	current.Provisional = true
	current.ProvisionalExpiresAt = &expires

	// Provider confirmation observed before the client hint must still apply.
	confirm := event(eventdomain.KindActivated, testNow.Add(-time.Minute))
	decision := Apply(current, confirm, testNow, policy)

	require.True(t, decision.Applied)
	assert.False(t, decision.Record.Provisional)
	assert.Nil(t, decision.Record.ProvisionalExpiresAt)
	assert.Equal(t, domain.StatusActive, decision.Record.Status)
}

func TestApply_SweepExpiryKeepsProvisionalClaim(t *testing.T) {
	policy := config.DefaultPolicy()
	expires := testNow.Add(policy.ProvisionalWindow)
	current := record(domain.StatusActive, testNow)
	current.Provisional = true
	current.ProvisionalExpiresAt = &expires

	sweep := event(eventdomain.KindExpired, expires)
	sweep.Provenance = eventdomain.ProvenanceReconciler
	closed := Apply(current, sweep, expires, policy)

	require.True(t, closed.Applied)
	assert.Equal(t, domain.StatusExpired, closed.Record.Status)
	assert.True(t, closed.Record.Provisional)
	assert.Nil(t, closed.Record.ProvisionalExpiresAt)

	// A webhook delayed past the window still claims the lineage even though
	// it was observed before the sweep closed it.
	confirm := event(eventdomain.KindActivated, testNow.Add(5*time.Second))
	late := Apply(closed.Record, confirm, expires.Add(time.Minute), policy)

	require.True(t, late.Applied)
	assert.Equal(t, domain.StatusActive, late.Record.Status)
	assert.False(t, late.Record.Provisional)
	assert.Nil(t, late.Record.ProvisionalExpiresAt)
}

func TestApply_ProviderExpirySettlesProvisional(t *testing.T) {
	policy := config.DefaultPolicy()
	expires := testNow.Add(policy.ProvisionalWindow)
	current := record(domain.StatusActive, testNow)
	current.Provisional = true
	current.ProvisionalExpiresAt = &expires

	// The provider itself reporting expiry is authoritative: the lineage is
	// settled and the provisional marker goes away for good.
	decision := Apply(current, event(eventdomain.KindExpired, testNow.Add(time.Hour)), testNow, policy)

	require.True(t, decision.Applied)
	assert.Equal(t, domain.StatusExpired, decision.Record.Status)
	assert.False(t, decision.Record.Provisional)
}

func TestApply_CancelIntentIsAuditOnly(t *testing.T) {
	policy := config.DefaultPolicy()
	current := record(domain.StatusActive, testNow)

	ev := event(eventdomain.KindProvisionalCancelReq, testNow.Add(time.Hour))
	decision := Apply(current, ev, testNow, policy)

	assert.False(t, decision.Applied)
	assert.Equal(t, ReasonNoOp, decision.Reason)
	assert.Equal(t, domain.StatusActive, decision.Record.Status)
}

func TestApply_UnrecognizedKind(t *testing.T) {
	policy := config.DefaultPolicy()

	decision := Apply(nil, event(eventdomain.KindUnrecognized, testNow), testNow, policy)

	assert.False(t, decision.Applied)
	assert.Equal(t, ReasonUnrecognizedKind, decision.Reason)
	assert.Nil(t, decision.Record)
}
