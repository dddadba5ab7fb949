package normalizer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/finchbill/entitled/internal/config"
	"github.com/finchbill/entitled/internal/event/domain"
	"gorm.io/datatypes"
)

const cardBillingSignatureHeader = "X-CardBilling-Signature"

type cardBillingNormalizer struct {
	secret string
}

// NewCardBilling builds the normalizer for card billing webhooks.
func NewCardBilling(cfg config.Config) Normalizer {
	return &cardBillingNormalizer{secret: cfg.CardBilling.WebhookSecret}
}

func (n *cardBillingNormalizer) Provider() domain.Provider {
	return domain.ProviderCardBilling
}

func (n *cardBillingNormalizer) VerifySignature(payload []byte, headers http.Header) error {
	return verifyHMAC(n.secret, payload, headers.Get(cardBillingSignatureHeader))
}

type cardBillingEnvelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       struct {
		SubscriptionID   string     `json:"subscription_id"`
		CustomerID       string     `json:"customer_id"`
		Plan             string     `json:"plan"`
		BillingCycle     string     `json:"billing_cycle"`
		CurrentPeriodEnd *time.Time `json:"current_period_end"`
		GraceUntil       *time.Time `json:"grace_until"`
	} `json:"data"`
}

func (n *cardBillingNormalizer) Normalize(payload []byte, receivedAt time.Time) (*domain.LifecycleEvent, error) {
	var envelope cardBillingEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return nil, fmt.Errorf("%w: id", domain.ErrMissingField)
	}
	if strings.TrimSpace(envelope.Data.SubscriptionID) == "" {
		return nil, fmt.Errorf("%w: data.subscription_id", domain.ErrMissingField)
	}
	if strings.TrimSpace(envelope.Data.CustomerID) == "" {
		return nil, fmt.Errorf("%w: data.customer_id", domain.ErrMissingField)
	}
	if envelope.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: occurred_at", domain.ErrMissingField)
	}

	raw := datatypes.JSONMap{}
	_ = json.Unmarshal(payload, (*map[string]interface{})(&raw))

	return &domain.LifecycleEvent{
		EventID:         envelope.ID,
		Provider:        domain.ProviderCardBilling,
		Kind:            cardBillingKind(envelope.Type),
		Provenance:      domain.ProvenanceProvider,
		UserID:          envelope.Data.CustomerID,
		SubscriptionRef: envelope.Data.SubscriptionID,
		Tier:            strings.TrimSpace(envelope.Data.Plan),
		BillingCycle:    strings.TrimSpace(envelope.Data.BillingCycle),
		PeriodEnd:       envelope.Data.CurrentPeriodEnd,
		GraceUntil:      envelope.Data.GraceUntil,
		ObservedAt:      envelope.OccurredAt.UTC(),
		ReceivedAt:      receivedAt.UTC(),
		Payload:         raw,
	}, nil
}

func cardBillingKind(eventType string) domain.Kind {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "subscription.activated":
		return domain.KindActivated
	case "subscription.renewed":
		return domain.KindRenewed
	case "subscription.renewal_failed", "invoice.payment_failed":
		return domain.KindRenewalFailed
	case "subscription.plan_changed":
		return domain.KindPlanChanged
	case "subscription.auto_renew_disabled":
		return domain.KindAutoRenewDisabled
	case "subscription.auto_renew_enabled":
		return domain.KindAutoRenewEnabled
	case "subscription.cancelled":
		return domain.KindCancelled
	case "subscription.expired":
		return domain.KindExpired
	case "charge.refunded", "subscription.refunded":
		return domain.KindRefunded
	default:
		return domain.KindUnrecognized
	}
}
