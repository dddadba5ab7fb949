// Package pipeline is the single transactional mutation boundary. Every
// lifecycle event, whatever its provenance, passes through Ingest: ledger
// admission, state transition and entitlement recompute commit atomically
// or not at all.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/finchbill/entitled/internal/clock"
	"github.com/finchbill/entitled/internal/config"
	entitlementdomain "github.com/finchbill/entitled/internal/entitlement/domain"
	entitlementservice "github.com/finchbill/entitled/internal/entitlement/service"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	ledgerdomain "github.com/finchbill/entitled/internal/ledger/domain"
	"github.com/finchbill/entitled/internal/observability/metrics"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
	"github.com/finchbill/entitled/internal/subscription/statemachine"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Policy        *config.PolicyHolder
	GenID         *snowflake.Node
	Events        eventdomain.Repository
	Ledger        ledgerdomain.Repository
	Subscriptions subscriptiondomain.Repository
	Entitlement   *entitlementservice.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	policy        *config.PolicyHolder
	genID         *snowflake.Node
	events        eventdomain.Repository
	ledger        ledgerdomain.Repository
	subscriptions subscriptiondomain.Repository
	entitlement   *entitlementservice.Service
	metrics       *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("pipeline"),
		clock:         p.Clock,
		policy:        p.Policy,
		genID:         p.GenID,
		events:        p.Events,
		ledger:        p.Ledger,
		subscriptions: p.Subscriptions,
		entitlement:   p.Entitlement,
		metrics:       p.Metrics,
	}
}

// Result reports what Ingest did with an event.
type Result struct {
	// Duplicate is true when the event id had already been admitted. The
	// call is a no-op and safe to acknowledge.
	Duplicate bool
	// Applied is true when subscription state changed.
	Applied bool
	// Reason explains events that were admitted but did not change state.
	Reason statemachine.Reason
	// Entitlement is the recomputed projection, nil for duplicates.
	Entitlement *entitlementdomain.UserEntitlement
}

// Ingest admits and applies one normalized lifecycle event. Replaying the
// same event id any number of times yields the same stored state.
func (s *Service) Ingest(ctx context.Context, ev *eventdomain.LifecycleEvent) (Result, error) {
	if strings.TrimSpace(ev.EventID) == "" {
		return Result{}, eventdomain.ErrMissingField
	}

	now := s.clock.Now()
	policy := s.policy.Get()

	var result Result
	var from, to subscriptiondomain.Status

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		admitted, err := s.ledger.Admit(ctx, tx, &ledgerdomain.Entry{
			ID:         s.genID.Generate(),
			EventID:    ev.EventID,
			Provider:   string(ev.Provider),
			Outcome:    ledgerdomain.OutcomePending,
			AdmittedAt: now,
		})
		if err != nil {
			return err
		}
		if !admitted {
			result = Result{Duplicate: true}
			return nil
		}

		ev.ID = s.genID.Generate()
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = now
		}
		if err := s.events.Append(ctx, tx, ev); err != nil {
			return err
		}

		current, err := s.subscriptions.FindForUpdate(ctx, tx, string(ev.Provider), ev.SubscriptionRef)
		if err != nil {
			return err
		}

		decision := statemachine.Apply(current, ev, now, policy)
		final := current
		if decision.Applied {
			record := decision.Record
			if current == nil {
				record.ID = s.genID.Generate()
				if err := s.subscriptions.Insert(ctx, tx, record); err != nil {
					return err
				}
			} else {
				record.ID = current.ID
				if err := s.subscriptions.Save(ctx, tx, record); err != nil {
					return err
				}
			}
			from, to = decision.From, decision.To
			final = record
		}

		if decision.Applied && ev.Provenance == eventdomain.ProvenanceReconciler {
			audit := &subscriptiondomain.ReconciliationAudit{
				ID:              s.genID.Generate(),
				Provider:        string(ev.Provider),
				SubscriptionRef: ev.SubscriptionRef,
				UserID:          ev.UserID,
				Action:          subscriptiondomain.AuditActionCorrection,
				FromStatus:      decision.From,
				ToStatus:        decision.To,
				EventID:         ev.EventID,
				Detail:          string(ev.Kind),
				CreatedAt:       now,
			}
			if err := s.subscriptions.InsertAudit(ctx, tx, audit); err != nil {
				return err
			}
		}

		entitlement, err := s.entitlement.Recompute(ctx, tx, ev.UserID)
		if err != nil {
			return err
		}

		outcome := outcomeFor(decision)
		if err := s.ledger.MarkOutcome(ctx, tx, ev.EventID, outcome, string(decision.Reason), statusHash(final)); err != nil {
			return err
		}

		result = Result{
			Applied:     decision.Applied,
			Reason:      decision.Reason,
			Entitlement: entitlement,
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Duplicate {
		s.metrics.RecordEventDuplicate(ctx, string(ev.Provider))
		return result, nil
	}

	s.entitlement.InvalidateCache(ctx, ev.UserID)
	s.metrics.RecordEventIngested(ctx, string(ev.Provider), string(ev.Kind))
	if result.Applied {
		s.metrics.RecordTransition(ctx, string(from), string(to))
	} else if result.Reason == statemachine.ReasonStale {
		s.metrics.RecordEventStale(ctx, string(ev.Provider), string(ev.Kind))
	}

	s.log.Debug("event ingested",
		zap.String("event_id", ev.EventID),
		zap.String("provider", string(ev.Provider)),
		zap.String("kind", string(ev.Kind)),
		zap.Bool("applied", result.Applied),
		zap.String("reason", string(result.Reason)),
	)
	return result, nil
}

// DeadLetter parks an unprocessable payload outside the event pipeline.
func (s *Service) DeadLetter(ctx context.Context, provider, reason string, payload []byte) error {
	err := s.events.InsertDeadLetter(ctx, s.db, &eventdomain.DeadLetter{
		ID:         s.genID.Generate(),
		Provider:   provider,
		Reason:     reason,
		Payload:    payload,
		ReceivedAt: s.clock.Now(),
	})
	if err != nil {
		return err
	}
	s.metrics.RecordDeadLetter(ctx, provider, reason)
	return nil
}

// statusHash fingerprints the record state an event left behind. Replayed
// deliveries can be checked against the hash the first delivery stored.
func statusHash(record *subscriptiondomain.SubscriptionRecord) string {
	if record == nil {
		return ""
	}
	var periodEnd int64
	if record.PeriodEnd != nil {
		periodEnd = record.PeriodEnd.Unix()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%t",
		record.Provider,
		record.SubscriptionRef,
		record.Status,
		record.Tier,
		periodEnd,
		record.Provisional,
	)))
	return hex.EncodeToString(sum[:])
}

func outcomeFor(decision statemachine.Decision) ledgerdomain.Outcome {
	switch {
	case decision.Applied:
		return ledgerdomain.OutcomeApplied
	case decision.Reason == statemachine.ReasonStale:
		return ledgerdomain.OutcomeStale
	default:
		return ledgerdomain.OutcomeIgnored
	}
}
