// Package domain defines the authoritative provider query surface used by
// reconciliation sweeps.
package domain

import (
	"context"
	"errors"
	"time"

	eventdomain "github.com/finchbill/entitled/internal/event/domain"
)

var (
	// ErrSubscriptionNotFound is returned when the provider has no record
	// for the queried reference.
	ErrSubscriptionNotFound = errors.New("provider: subscription not found")
	// ErrProviderUnavailable is returned when the provider could not be
	// reached within the query budget. Callers must treat this as unknown
	// state, never as a revocation.
	ErrProviderUnavailable = errors.New("provider: unavailable")
)

// RemoteState is the provider's view of a subscription's lifecycle.
type RemoteState string

const (
	RemoteStateActive        RemoteState = "active"
	RemoteStateGrace         RemoteState = "grace"
	RemoteStateCancelPending RemoteState = "cancel_pending"
	RemoteStateCancelled     RemoteState = "cancelled"
	RemoteStateExpired       RemoteState = "expired"
	RemoteStateRefunded      RemoteState = "refunded"
)

// RemoteStatus is one authoritative status snapshot.
type RemoteStatus struct {
	SubscriptionRef string
	UserID          string
	Tier            string
	State           RemoteState
	PeriodEnd       *time.Time
	GraceUntil      *time.Time
	AsOf            time.Time
}

// StatusQuerier fetches authoritative subscription status from one provider.
type StatusQuerier interface {
	Provider() eventdomain.Provider
	GetSubscriptionStatus(ctx context.Context, subscriptionRef string) (*RemoteStatus, error)
}

// EventKindFor maps a remote state to the lifecycle event kind a sweep
// should synthesize to converge on it.
func (s RemoteState) EventKind() (eventdomain.Kind, bool) {
	switch s {
	case RemoteStateActive:
		return eventdomain.KindRenewed, true
	case RemoteStateGrace:
		return eventdomain.KindRenewalFailed, true
	case RemoteStateCancelPending:
		return eventdomain.KindAutoRenewDisabled, true
	case RemoteStateCancelled:
		return eventdomain.KindCancelled, true
	case RemoteStateExpired:
		return eventdomain.KindExpired, true
	case RemoteStateRefunded:
		return eventdomain.KindRefunded, true
	default:
		return eventdomain.KindUnrecognized, false
	}
}
