// Package statemachine applies normalized lifecycle events to subscription
// records. Apply is pure: it never touches storage, so every transition rule
// can be exercised directly in tests.
package statemachine

import (
	"time"

	"github.com/finchbill/entitled/internal/config"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	"github.com/finchbill/entitled/internal/subscription/domain"
)

// Reason classifies why an event did not change state.
type Reason string

const (
	ReasonApplied            Reason = "applied"
	ReasonStale              Reason = "stale"
	ReasonRefundedAbsorbing  Reason = "refunded_absorbing"
	ReasonUnrecognizedKind   Reason = "unrecognized_kind"
	ReasonNoRecord           Reason = "no_record"
	ReasonNoResurrection     Reason = "no_resurrection"
	ReasonAlreadyEstablished Reason = "already_established"
	ReasonNoOp               Reason = "no_op"
)

// Decision is the outcome of applying one event to one record.
type Decision struct {
	// Record is the next state. Nil when no record exists and the event
	// cannot create one.
	Record *domain.SubscriptionRecord
	// Applied reports whether state actually changed.
	Applied bool
	// Reason explains skipped events for the ledger and logs.
	Reason Reason
	// From and To carry the transition for metrics. Empty when not applied.
	From domain.Status
	To   domain.Status
}

// Apply computes the next record state for an event. current may be nil when
// the subscription has never been seen. The returned record is a copy; the
// caller persists it inside the pipeline transaction.
func Apply(current *domain.SubscriptionRecord, ev *eventdomain.LifecycleEvent, now time.Time, policy config.Policy) Decision {
	if ev.Kind == eventdomain.KindUnrecognized {
		return Decision{Record: current, Reason: ReasonUnrecognizedKind}
	}

	if ev.Kind.Provisional() {
		return applyProvisional(current, ev, now, policy)
	}

	if current == nil {
		return applyToNew(ev)
	}

	// A refunded subscription never grants or transitions again, no matter
	// what arrives or in what order.
	if current.Status == domain.StatusRefunded {
		return Decision{Record: current, Reason: ReasonRefundedAbsorbing}
	}

	// Refunds win regardless of observed_at. Everything else must be at
	// least as recent as the last applied event, except corroboration of a
	// provisional record, which the client hint must never block.
	if ev.Kind != eventdomain.KindRefunded && !current.Provisional {
		if ev.ObservedAt.Before(current.LastObservedAt) {
			return Decision{Record: current, Reason: ReasonStale}
		}
	}

	next := *current
	from := current.Status

	switch ev.Kind {
	case eventdomain.KindActivated:
		// A cancelled or expired lineage may legitimately restart with a
		// fresh provider activation. A refund never restarts (handled above).
		next.Status = domain.StatusActive
		next.GraceUntil = nil
	case eventdomain.KindRenewed:
		next.Status = domain.StatusActive
		next.GraceUntil = nil
	case eventdomain.KindPlanChanged:
		// A plan change means the subscription is live at the provider with
		// a new tier or billing cycle. The recompute picks up the change.
		next.Status = domain.StatusActive
		next.GraceUntil = nil
	case eventdomain.KindRenewalFailed:
		if current.Status.Terminal() {
			return Decision{Record: current, Reason: ReasonNoOp}
		}
		next.Status = domain.StatusGrace
		next.GraceUntil = graceDeadline(ev, now, policy)
	case eventdomain.KindAutoRenewDisabled:
		if current.Status.Terminal() {
			return Decision{Record: current, Reason: ReasonNoOp}
		}
		next.Status = domain.StatusCancelPending
	case eventdomain.KindAutoRenewEnabled:
		if current.Status != domain.StatusCancelPending {
			return Decision{Record: current, Reason: ReasonNoOp}
		}
		next.Status = domain.StatusActive
	case eventdomain.KindCancelled:
		if current.Status.Terminal() {
			return Decision{Record: current, Reason: ReasonNoOp}
		}
		next.Status = domain.StatusCancelled
	case eventdomain.KindExpired:
		if current.Status.Terminal() {
			return Decision{Record: current, Reason: ReasonNoOp}
		}
		next.Status = domain.StatusExpired
	case eventdomain.KindRefunded:
		next.Status = domain.StatusRefunded
		next.GraceUntil = nil
	default:
		return Decision{Record: current, Reason: ReasonUnrecognizedKind}
	}

	applyEventFields(&next, ev)

	// A sweep that closes an uncorroborated provisional claim keeps the
	// provisional marker: the lineage was never provider-established, so a
	// delayed authoritative event must still be able to claim it.
	if current.Provisional && next.Status == domain.StatusExpired &&
		ev.Provenance == eventdomain.ProvenanceReconciler {
		next.Provisional = true
		next.ProvisionalExpiresAt = nil
	}

	return Decision{
		Record:  &next,
		Applied: true,
		Reason:  ReasonApplied,
		From:    from,
		To:      next.Status,
	}
}

// applyToNew creates a record from the first authoritative event of a lineage.
func applyToNew(ev *eventdomain.LifecycleEvent) Decision {
	var status domain.Status
	switch ev.Kind {
	case eventdomain.KindActivated, eventdomain.KindRenewed, eventdomain.KindPlanChanged:
		status = domain.StatusActive
	case eventdomain.KindRenewalFailed:
		status = domain.StatusGrace
	case eventdomain.KindAutoRenewDisabled:
		status = domain.StatusCancelPending
	case eventdomain.KindCancelled:
		status = domain.StatusCancelled
	case eventdomain.KindExpired:
		status = domain.StatusExpired
	case eventdomain.KindRefunded:
		status = domain.StatusRefunded
	default:
		return Decision{Reason: ReasonNoRecord}
	}

	record := &domain.SubscriptionRecord{
		Provider:        string(ev.Provider),
		SubscriptionRef: ev.SubscriptionRef,
		UserID:          ev.UserID,
		Status:          status,
	}
	applyEventFields(record, ev)
	return Decision{
		Record:  record,
		Applied: true,
		Reason:  ReasonApplied,
		To:      status,
	}
}

// applyProvisional handles client-originated hints. A provisional purchase
// creates a placeholder record awaiting provider corroboration. It never
// overrides an established record and never resurrects a terminal one.
func applyProvisional(current *domain.SubscriptionRecord, ev *eventdomain.LifecycleEvent, now time.Time, policy config.Policy) Decision {
	if ev.Kind != eventdomain.KindProvisionalPurchase {
		// Cancel intents are audit-only until the provider confirms.
		return Decision{Record: current, Reason: ReasonNoOp}
	}

	if current != nil {
		if current.Status.Terminal() {
			return Decision{Record: current, Reason: ReasonNoResurrection}
		}
		return Decision{Record: current, Reason: ReasonAlreadyEstablished}
	}

	expires := now.Add(policy.ProvisionalWindow)
	record := &domain.SubscriptionRecord{
		Provider:             string(ev.Provider),
		SubscriptionRef:      ev.SubscriptionRef,
		UserID:               ev.UserID,
		Status:               domain.StatusActive,
		Provisional:          true,
		ProvisionalExpiresAt: &expires,
	}
	applyEventFields(record, ev)
	return Decision{
		Record:  record,
		Applied: true,
		Reason:  ReasonApplied,
		To:      domain.StatusActive,
	}
}

func applyEventFields(record *domain.SubscriptionRecord, ev *eventdomain.LifecycleEvent) {
	if ev.Tier != "" {
		record.Tier = ev.Tier
	}
	if ev.BillingCycle != "" {
		record.BillingCycle = ev.BillingCycle
	}
	if ev.PeriodEnd != nil {
		periodEnd := ev.PeriodEnd.UTC()
		record.PeriodEnd = &periodEnd
	}
	if ev.GraceUntil != nil && record.Status == domain.StatusGrace {
		graceUntil := ev.GraceUntil.UTC()
		record.GraceUntil = &graceUntil
	}
	if ev.Kind.Authoritative() {
		record.Provisional = false
		record.ProvisionalExpiresAt = nil
	}
	record.LastEventID = ev.EventID
	record.LastObservedAt = ev.ObservedAt.UTC()
}

// graceDeadline picks the provider-supplied grace window when present,
// otherwise falls back to the configured grace period.
func graceDeadline(ev *eventdomain.LifecycleEvent, now time.Time, policy config.Policy) *time.Time {
	if ev.GraceUntil != nil {
		deadline := ev.GraceUntil.UTC()
		return &deadline
	}
	anchor := ev.ObservedAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	deadline := anchor.Add(policy.GracePeriod)
	return &deadline
}
