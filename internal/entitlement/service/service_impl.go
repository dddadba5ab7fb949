package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/finchbill/entitled/internal/cache"
	"github.com/finchbill/entitled/internal/clock"
	"github.com/finchbill/entitled/internal/config"
	"github.com/finchbill/entitled/internal/entitlement/domain"
	"github.com/finchbill/entitled/internal/entitlement/resolver"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
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
	Subscriptions subscriptiondomain.Repository
	Entitlements  domain.Repository
	Cache         *cache.EntitlementCache `optional:"true"`
}

// Service serves entitlement reads and recomputes the projection after
// subscription state changes.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	policy        *config.PolicyHolder
	genID         *snowflake.Node
	subscriptions subscriptiondomain.Repository
	entitlements  domain.Repository
	cache         *cache.EntitlementCache
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("entitlement.service"),
		clock:         p.Clock,
		policy:        p.Policy,
		genID:         p.GenID,
		subscriptions: p.Subscriptions,
		entitlements:  p.Entitlements,
		cache:         p.Cache,
	}
}

// Get returns the user's current entitlement. Users without any subscription
// history resolve to the free tier.
func (s *Service) Get(ctx context.Context, userID string) (*domain.UserEntitlement, error) {
	if cached, ok := s.cache.Get(ctx, userID); ok {
		return cached, nil
	}

	stored, err := s.entitlements.FindByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		s.cache.Set(ctx, stored)
		return stored, nil
	}

	// No materialized row yet. Resolve on the fly without persisting so a
	// read can never race the pipeline's transactional write.
	records, err := s.subscriptions.ListByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	resolved := resolver.Resolve(userID, records, s.clock.Now(), s.policy.Get())
	return &resolved, nil
}

// Recompute re-resolves and upserts the user's entitlement inside the
// caller's transaction. It is the only writer of user_entitlements.
func (s *Service) Recompute(ctx context.Context, tx *gorm.DB, userID string) (*domain.UserEntitlement, error) {
	prior, err := s.entitlements.FindByUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	records, err := s.subscriptions.ListByUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	resolved := resolver.Resolve(userID, records, s.clock.Now(), s.policy.Get())
	resolved.ID = s.genID.Generate()
	if err := s.entitlements.Upsert(ctx, tx, &resolved); err != nil {
		return nil, err
	}
	if err := s.markSuperseded(ctx, tx, prior, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// markSuperseded leaves an audit row when the granting source moves from one
// subscription to another while the old one still exists, so dual-provider
// tie losers stay traceable.
func (s *Service) markSuperseded(ctx context.Context, tx *gorm.DB, prior, next *domain.UserEntitlement) error {
	if prior == nil || prior.SourceRef == "" || next.SourceRef == "" {
		return nil
	}
	if prior.SourceRef == next.SourceRef && prior.SourceProvider == next.SourceProvider {
		return nil
	}
	return s.subscriptions.InsertAudit(ctx, tx, &subscriptiondomain.ReconciliationAudit{
		ID:              s.genID.Generate(),
		Provider:        prior.SourceProvider,
		SubscriptionRef: prior.SourceRef,
		UserID:          next.UserID,
		Action:          subscriptiondomain.AuditActionSupersede,
		FromStatus:      prior.SourceStatus,
		ToStatus:        next.SourceStatus,
		Detail:          "superseded by " + next.SourceProvider + "/" + next.SourceRef,
		CreatedAt:       s.clock.Now(),
	})
}

// InvalidateCache drops the cached entitlement after a commit.
func (s *Service) InvalidateCache(ctx context.Context, userID string) {
	s.cache.Invalidate(ctx, userID)
}
