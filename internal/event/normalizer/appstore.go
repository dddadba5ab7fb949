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

const appStoreSignatureHeader = "X-AppStore-Signature"

type appStoreNormalizer struct {
	secret string
}

// NewAppStore builds the normalizer for app store server notifications.
func NewAppStore(cfg config.Config) Normalizer {
	return &appStoreNormalizer{secret: cfg.AppStore.WebhookSecret}
}

func (n *appStoreNormalizer) Provider() domain.Provider {
	return domain.ProviderAppStore
}

func (n *appStoreNormalizer) VerifySignature(payload []byte, headers http.Header) error {
	return verifyHMAC(n.secret, payload, headers.Get(appStoreSignatureHeader))
}

type appStoreEnvelope struct {
	NotificationUUID string `json:"notification_uuid"`
	NotificationType string `json:"notification_type"`
	Subtype          string `json:"subtype"`
	SignedDateMs     int64  `json:"signed_date_ms"`
	Data             struct {
		OriginalTransactionID string `json:"original_transaction_id"`
		AppAccountToken       string `json:"app_account_token"`
		ProductID             string `json:"product_id"`
		ExpiresDateMs         int64  `json:"expires_date_ms"`
		GracePeriodExpiresMs  int64  `json:"grace_period_expires_date_ms"`
		AutoRenewStatus       *int   `json:"auto_renew_status"`
	} `json:"data"`
}

func (n *appStoreNormalizer) Normalize(payload []byte, receivedAt time.Time) (*domain.LifecycleEvent, error) {
	var envelope appStoreEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(envelope.NotificationUUID) == "" {
		return nil, fmt.Errorf("%w: notification_uuid", domain.ErrMissingField)
	}
	if strings.TrimSpace(envelope.Data.OriginalTransactionID) == "" {
		return nil, fmt.Errorf("%w: data.original_transaction_id", domain.ErrMissingField)
	}
	if strings.TrimSpace(envelope.Data.AppAccountToken) == "" {
		return nil, fmt.Errorf("%w: data.app_account_token", domain.ErrMissingField)
	}
	if envelope.SignedDateMs <= 0 {
		return nil, fmt.Errorf("%w: signed_date_ms", domain.ErrMissingField)
	}

	raw := datatypes.JSONMap{}
	_ = json.Unmarshal(payload, (*map[string]interface{})(&raw))

	var periodEnd *time.Time
	if envelope.Data.ExpiresDateMs > 0 {
		t := time.UnixMilli(envelope.Data.ExpiresDateMs).UTC()
		periodEnd = &t
	}
	var graceUntil *time.Time
	if envelope.Data.GracePeriodExpiresMs > 0 {
		t := time.UnixMilli(envelope.Data.GracePeriodExpiresMs).UTC()
		graceUntil = &t
	}

	return &domain.LifecycleEvent{
		EventID:         envelope.NotificationUUID,
		Provider:        domain.ProviderAppStore,
		Kind:            appStoreKind(envelope.NotificationType, envelope.Subtype, envelope.Data.AutoRenewStatus),
		Provenance:      domain.ProvenanceProvider,
		UserID:          envelope.Data.AppAccountToken,
		SubscriptionRef: envelope.Data.OriginalTransactionID,
		Tier:            productTier(envelope.Data.ProductID),
		BillingCycle:    productCycle(envelope.Data.ProductID),
		PeriodEnd:       periodEnd,
		GraceUntil:      graceUntil,
		ObservedAt:      time.UnixMilli(envelope.SignedDateMs).UTC(),
		ReceivedAt:      receivedAt.UTC(),
		Payload:         raw,
	}, nil
}

func appStoreKind(notificationType, subtype string, autoRenewStatus *int) domain.Kind {
	switch strings.ToUpper(strings.TrimSpace(notificationType)) {
	case "SUBSCRIBED":
		return domain.KindActivated
	case "DID_RENEW":
		return domain.KindRenewed
	case "DID_FAIL_TO_RENEW":
		return domain.KindRenewalFailed
	case "DID_CHANGE_RENEWAL_PREF":
		// The user picked a different product; the new tier and cycle ride
		// on the product id.
		return domain.KindPlanChanged
	case "DID_CHANGE_RENEWAL_STATUS":
		if autoRenewStatus != nil && *autoRenewStatus == 1 {
			return domain.KindAutoRenewEnabled
		}
		if strings.EqualFold(strings.TrimSpace(subtype), "AUTO_RENEW_ENABLED") {
			return domain.KindAutoRenewEnabled
		}
		return domain.KindAutoRenewDisabled
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return domain.KindExpired
	case "REVOKE", "REFUND":
		return domain.KindRefunded
	default:
		return domain.KindUnrecognized
	}
}

// productTier maps a product identifier such as "premium.monthly" to its tier.
func productTier(productID string) string {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return ""
	}
	if idx := strings.IndexByte(productID, '.'); idx > 0 {
		return productID[:idx]
	}
	return productID
}

// productCycle extracts the billing cycle suffix, "monthly" for "premium.monthly".
func productCycle(productID string) string {
	productID = strings.TrimSpace(productID)
	if idx := strings.IndexByte(productID, '.'); idx > 0 && idx < len(productID)-1 {
		return productID[idx+1:]
	}
	return ""
}
