// Package command accepts client-originated requests. Clients are hints,
// never truth: a purchase intent grants nothing until the provider
// corroborates it, and a cancel intent waits for provider confirmation.
package command

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"

	"github.com/finchbill/entitled/internal/clock"
	"github.com/finchbill/entitled/internal/config"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	"github.com/finchbill/entitled/internal/observability/metrics"
	"github.com/finchbill/entitled/internal/pipeline"
	providers "github.com/finchbill/entitled/internal/providers/payment"
	providerdomain "github.com/finchbill/entitled/internal/providers/payment/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCommand is returned when required fields are missing.
	ErrInvalidCommand = errors.New("command: invalid request")
	// ErrUnknownProvider is returned for providers with no registered client.
	ErrUnknownProvider = errors.New("command: unknown provider")
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Policy    *config.PolicyHolder
	Pipeline  *pipeline.Service
	Providers *providers.Registry
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	clock     clock.Clock
	policy    *config.PolicyHolder
	pipeline  *pipeline.Service
	providers *providers.Registry
	metrics   *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:       p.Log.Named("command"),
		clock:     p.Clock,
		policy:    p.Policy,
		pipeline:  p.Pipeline,
		providers: p.Providers,
		metrics:   p.Metrics,
	}
}

// Request is a client command targeting one subscription.
type Request struct {
	UserID          string
	Provider        string
	SubscriptionRef string
	Tier            string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.UserID) == "" ||
		strings.TrimSpace(r.Provider) == "" ||
		strings.TrimSpace(r.SubscriptionRef) == "" {
		return ErrInvalidCommand
	}
	return nil
}

// Ack acknowledges an accepted command.
type Ack struct {
	Token    string `json:"token"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SubmitPurchaseIntent records a client purchase claim as a provisional
// event. The claim expires unless a provider event corroborates it within
// the configured window.
func (s *Service) SubmitPurchaseIntent(ctx context.Context, req Request) (Ack, error) {
	if err := req.validate(); err != nil {
		return Ack{}, err
	}

	token := s.newToken()
	ev := &eventdomain.LifecycleEvent{
		EventID:         "cmd_" + token,
		Provider:        eventdomain.Provider(strings.ToLower(strings.TrimSpace(req.Provider))),
		Kind:            eventdomain.KindProvisionalPurchase,
		Provenance:      eventdomain.ProvenanceClient,
		UserID:          req.UserID,
		SubscriptionRef: req.SubscriptionRef,
		Tier:            strings.TrimSpace(req.Tier),
		ObservedAt:      s.clock.Now(),
		ReceivedAt:      s.clock.Now(),
	}

	result, err := s.pipeline.Ingest(ctx, ev)
	if err != nil {
		return Ack{}, err
	}
	s.metrics.RecordCommand(ctx, "purchase_intent")

	return Ack{
		Token:    token,
		Accepted: true,
		Reason:   string(result.Reason),
	}, nil
}

// RestoreRequest re-pulls authoritative status from the provider and feeds
// it through the pipeline, for "restore purchases" flows after reinstalls.
func (s *Service) RestoreRequest(ctx context.Context, req Request) (Ack, error) {
	if err := req.validate(); err != nil {
		return Ack{}, err
	}

	querier := s.providers.Lookup(req.Provider)
	if querier == nil {
		return Ack{}, ErrUnknownProvider
	}

	remote, err := querier.GetSubscriptionStatus(ctx, req.SubscriptionRef)
	if err != nil {
		if errors.Is(err, providerdomain.ErrSubscriptionNotFound) {
			return Ack{Token: s.newToken(), Accepted: false, Reason: "not_found"}, nil
		}
		s.metrics.RecordProviderQueryFailure(ctx, req.Provider)
		return Ack{}, err
	}

	kind, ok := remote.State.EventKind()
	if !ok {
		return Ack{Token: s.newToken(), Accepted: false, Reason: "unrecognized_state"}, nil
	}

	userID := remote.UserID
	if userID == "" {
		userID = req.UserID
	}

	token := s.newToken()
	ev := &eventdomain.LifecycleEvent{
		EventID:         "cmd_" + token,
		Provider:        querier.Provider(),
		Kind:            kind,
		Provenance:      eventdomain.ProvenanceClient,
		UserID:          userID,
		SubscriptionRef: req.SubscriptionRef,
		Tier:            remote.Tier,
		PeriodEnd:       remote.PeriodEnd,
		GraceUntil:      remote.GraceUntil,
		ObservedAt:      remote.AsOf,
		ReceivedAt:      s.clock.Now(),
	}

	result, err := s.pipeline.Ingest(ctx, ev)
	if err != nil {
		return Ack{}, err
	}
	s.metrics.RecordCommand(ctx, "restore")

	return Ack{
		Token:    token,
		Accepted: true,
		Reason:   string(result.Reason),
	}, nil
}

// CancelIntent records that the user asked to cancel. The subscription only
// transitions once the provider confirms, so the intent is audit-only.
func (s *Service) CancelIntent(ctx context.Context, req Request) (Ack, error) {
	if err := req.validate(); err != nil {
		return Ack{}, err
	}

	token := s.newToken()
	ev := &eventdomain.LifecycleEvent{
		EventID:         "cmd_" + token,
		Provider:        eventdomain.Provider(strings.ToLower(strings.TrimSpace(req.Provider))),
		Kind:            eventdomain.KindProvisionalCancelReq,
		Provenance:      eventdomain.ProvenanceClient,
		UserID:          req.UserID,
		SubscriptionRef: req.SubscriptionRef,
		ObservedAt:      s.clock.Now(),
		ReceivedAt:      s.clock.Now(),
	}

	if _, err := s.pipeline.Ingest(ctx, ev); err != nil {
		return Ack{}, err
	}
	s.metrics.RecordCommand(ctx, "cancel_intent")

	return Ack{Token: token, Accepted: true}, nil
}

func (s *Service) newToken() string {
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), rand.Reader).String()
}
