// Package resolver derives a user's effective entitlement from their
// subscription records. Resolve is pure and deterministic.
package resolver

import (
	"time"

	"github.com/finchbill/entitled/internal/config"
	domain "github.com/finchbill/entitled/internal/entitlement/domain"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
)

// statusRank orders granting statuses by precedence, highest first.
func statusRank(status subscriptiondomain.Status) int {
	switch status {
	case subscriptiondomain.StatusActive:
		return 3
	case subscriptiondomain.StatusGrace:
		return 2
	case subscriptiondomain.StatusCancelPending:
		return 1
	default:
		return 0
	}
}

// Resolve computes the effective entitlement for a user from all of their
// subscription records. Provisional records never grant anything; the
// fail-safe default is the free tier. Active beats Grace beats CancelPending;
// ties break on the latest period end.
func Resolve(userID string, records []subscriptiondomain.SubscriptionRecord, now time.Time, policy config.Policy) domain.UserEntitlement {
	var winner *subscriptiondomain.SubscriptionRecord

	for i := range records {
		record := &records[i]
		if record.Provisional {
			continue
		}
		if !record.Status.Granting() {
			continue
		}
		if winner == nil || beats(record, winner) {
			winner = record
		}
	}

	if winner == nil {
		return domain.UserEntitlement{
			UserID:        userID,
			Tier:          policy.FreeTier,
			ResourceLimit: policy.LimitFor(policy.FreeTier),
			Granting:      false,
			ComputedAt:    now.UTC(),
		}
	}

	tier := winner.Tier
	if tier == "" {
		tier = policy.FreeTier
	}

	return domain.UserEntitlement{
		UserID:         userID,
		Tier:           tier,
		ResourceLimit:  policy.LimitFor(tier),
		Granting:       true,
		SourceStatus:   winner.Status,
		SourceProvider: winner.Provider,
		SourceRef:      winner.SubscriptionRef,
		PeriodEnd:      winner.PeriodEnd,
		ComputedAt:     now.UTC(),
	}
}

func beats(candidate, incumbent *subscriptiondomain.SubscriptionRecord) bool {
	candidateRank := statusRank(candidate.Status)
	incumbentRank := statusRank(incumbent.Status)
	if candidateRank != incumbentRank {
		return candidateRank > incumbentRank
	}
	return laterPeriodEnd(candidate.PeriodEnd, incumbent.PeriodEnd)
}

func laterPeriodEnd(candidate, incumbent *time.Time) bool {
	if candidate == nil {
		return false
	}
	if incumbent == nil {
		return true
	}
	return candidate.After(*incumbent)
}
