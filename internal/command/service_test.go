package command

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/finchbill/entitled/internal/clock"
	"github.com/finchbill/entitled/internal/config"
	entitlementdomain "github.com/finchbill/entitled/internal/entitlement/domain"
	entitlementrepository "github.com/finchbill/entitled/internal/entitlement/repository"
	entitlementservice "github.com/finchbill/entitled/internal/entitlement/service"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	eventrepository "github.com/finchbill/entitled/internal/event/repository"
	ledgerdomain "github.com/finchbill/entitled/internal/ledger/domain"
	ledgerrepository "github.com/finchbill/entitled/internal/ledger/repository"
	"github.com/finchbill/entitled/internal/pipeline"
	providers "github.com/finchbill/entitled/internal/providers/payment"
	providerdomain "github.com/finchbill/entitled/internal/providers/payment/domain"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
	subscriptionrepository "github.com/finchbill/entitled/internal/subscription/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeQuerier struct {
	statuses map[string]*providerdomain.RemoteStatus
	errs     map[string]error
}

func (f *fakeQuerier) Provider() eventdomain.Provider { return eventdomain.ProviderCardBilling }

func (f *fakeQuerier) GetSubscriptionStatus(ctx context.Context, ref string) (*providerdomain.RemoteStatus, error) {
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}
	status, ok := f.statuses[ref]
	if !ok {
		return nil, providerdomain.ErrSubscriptionNotFound
	}
	return status, nil
}

type commandHarness struct {
	svc     *Service
	db      *gorm.DB
	querier *fakeQuerier
}

func newCommandHarness(t *testing.T) *commandHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&eventdomain.LifecycleEvent{},
		&eventdomain.DeadLetter{},
		&ledgerdomain.Entry{},
		&subscriptiondomain.SubscriptionRecord{},
		&subscriptiondomain.ReconciliationAudit{},
		&entitlementdomain.UserEntitlement{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(testNow)
	policy := config.NewStaticPolicyHolder(config.DefaultPolicy())
	log := zap.NewNop()
	subscriptions := subscriptionrepository.Provide()

	entitlementSvc := entitlementservice.NewService(entitlementservice.Params{
		DB:            db,
		Log:           log,
		Clock:         fakeClock,
		Policy:        policy,
		GenID:         node,
		Subscriptions: subscriptions,
		Entitlements:  entitlementrepository.Provide(),
	})

	pipelineSvc := pipeline.NewService(pipeline.Params{
		DB:            db,
		Log:           log,
		Clock:         fakeClock,
		Policy:        policy,
		GenID:         node,
		Events:        eventrepository.Provide(),
		Ledger:        ledgerrepository.Provide(),
		Subscriptions: subscriptions,
		Entitlement:   entitlementSvc,
	})

	querier := &fakeQuerier{
		statuses: map[string]*providerdomain.RemoteStatus{},
		errs:     map[string]error{},
	}

	svc := NewService(Params{
		Log:       log,
		Clock:     fakeClock,
		Policy:    policy,
		Pipeline:  pipelineSvc,
		Providers: providers.NewRegistry(querier),
	})

	return &commandHarness{svc: svc, db: db, querier: querier}
}

func validRequest() Request {
	return Request{
		UserID:          "user_1",
		Provider:        "card_billing",
		SubscriptionRef: "sub_1",
		Tier:            "premium",
	}
}

func TestSubmitPurchaseIntent(t *testing.T) {
	h := newCommandHarness(t)

	ack, err := h.svc.SubmitPurchaseIntent(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.NotEmpty(t, ack.Token)

	var record subscriptiondomain.SubscriptionRecord
	require.NoError(t, h.db.Where("subscription_ref = ?", "sub_1").First(&record).Error)
	assert.True(t, record.Provisional)
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)

	// The hint alone never grants an entitlement.
	var entitlement entitlementdomain.UserEntitlement
	require.NoError(t, h.db.Where("user_id = ?", "user_1").First(&entitlement).Error)
	assert.False(t, entitlement.Granting)
}

func TestSubmitPurchaseIntent_Invalid(t *testing.T) {
	h := newCommandHarness(t)

	req := validRequest()
	req.SubscriptionRef = ""
	_, err := h.svc.SubmitPurchaseIntent(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestRestoreRequest_ReplaysProviderState(t *testing.T) {
	h := newCommandHarness(t)

	periodEnd := testNow.Add(30 * 24 * time.Hour)
	h.querier.statuses["sub_1"] = &providerdomain.RemoteStatus{
		SubscriptionRef: "sub_1",
		UserID:          "user_1",
		Tier:            "premium",
		State:           providerdomain.RemoteStateActive,
		PeriodEnd:       &periodEnd,
		AsOf:            testNow,
	}

	ack, err := h.svc.RestoreRequest(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	var record subscriptiondomain.SubscriptionRecord
	require.NoError(t, h.db.Where("subscription_ref = ?", "sub_1").First(&record).Error)
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.False(t, record.Provisional)

	var entitlement entitlementdomain.UserEntitlement
	require.NoError(t, h.db.Where("user_id = ?", "user_1").First(&entitlement).Error)
	assert.True(t, entitlement.Granting)
	assert.Equal(t, "premium", entitlement.Tier)
}

func TestRestoreRequest_NotFoundIsRejectedAck(t *testing.T) {
	h := newCommandHarness(t)

	ack, err := h.svc.RestoreRequest(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "not_found", ack.Reason)
}

func TestRestoreRequest_ProviderUnavailable(t *testing.T) {
	h := newCommandHarness(t)
	h.querier.errs["sub_1"] = providerdomain.ErrProviderUnavailable

	_, err := h.svc.RestoreRequest(context.Background(), validRequest())
	assert.ErrorIs(t, err, providerdomain.ErrProviderUnavailable)
}

func TestRestoreRequest_UnknownProvider(t *testing.T) {
	h := newCommandHarness(t)

	req := validRequest()
	req.Provider = "play_billing"
	_, err := h.svc.RestoreRequest(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCancelIntent_AuditOnly(t *testing.T) {
	h := newCommandHarness(t)

	// Establish an active subscription first.
	periodEnd := testNow.Add(30 * 24 * time.Hour)
	h.querier.statuses["sub_1"] = &providerdomain.RemoteStatus{
		SubscriptionRef: "sub_1",
		UserID:          "user_1",
		Tier:            "premium",
		State:           providerdomain.RemoteStateActive,
		PeriodEnd:       &periodEnd,
		AsOf:            testNow,
	}
	_, err := h.svc.RestoreRequest(context.Background(), validRequest())
	require.NoError(t, err)

	ack, err := h.svc.CancelIntent(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	// The intent is recorded but state is untouched until the provider confirms.
	var record subscriptiondomain.SubscriptionRecord
	require.NoError(t, h.db.Where("subscription_ref = ?", "sub_1").First(&record).Error)
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)

	var eventCount int64
	require.NoError(t, h.db.Model(&eventdomain.LifecycleEvent{}).
		Where("kind = ?", eventdomain.KindProvisionalCancelReq).
		Count(&eventCount).Error)
	assert.Equal(t, int64(1), eventCount)
}
