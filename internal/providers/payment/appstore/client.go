// Package appstore implements the authoritative status client for the app
// store subscription API.
package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/finchbill/entitled/internal/config"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	"github.com/finchbill/entitled/internal/providers/payment/domain"
)

const maxQueryTries = 3

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds the app store status client.
func NewClient(cfg config.Config) *Client {
	timeout := cfg.AppStore.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.AppStore.BaseURL, "/"),
		apiKey:     cfg.AppStore.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Provider() eventdomain.Provider {
	return eventdomain.ProviderAppStore
}

type statusResponse struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	AppAccountToken       string `json:"app_account_token"`
	ProductID             string `json:"product_id"`
	Status                string `json:"status"`
	ExpiresDateMs         int64  `json:"expires_date_ms"`
	GracePeriodExpiresMs  int64  `json:"grace_period_expires_date_ms"`
	AutoRenewStatus       int    `json:"auto_renew_status"`
	AsOfMs                int64  `json:"as_of_ms"`
}

func (c *Client) GetSubscriptionStatus(ctx context.Context, subscriptionRef string) (*domain.RemoteStatus, error) {
	operation := func() (*domain.RemoteStatus, error) {
		return c.fetch(ctx, subscriptionRef)
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxQueryTries),
	)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return status, nil
}

func (c *Client) fetch(ctx context.Context, subscriptionRef string) (*domain.RemoteStatus, error) {
	url := fmt.Sprintf("%s/v1/subscriptions/%s/status", c.baseURL, subscriptionRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(domain.ErrSubscriptionNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("appstore: unexpected status %d", resp.StatusCode))
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("appstore: decode response: %w", err))
	}

	var periodEnd *time.Time
	if body.ExpiresDateMs > 0 {
		t := time.UnixMilli(body.ExpiresDateMs).UTC()
		periodEnd = &t
	}
	var graceUntil *time.Time
	if body.GracePeriodExpiresMs > 0 {
		t := time.UnixMilli(body.GracePeriodExpiresMs).UTC()
		graceUntil = &t
	}
	asOf := time.Now().UTC()
	if body.AsOfMs > 0 {
		asOf = time.UnixMilli(body.AsOfMs).UTC()
	}

	return &domain.RemoteStatus{
		SubscriptionRef: body.OriginalTransactionID,
		UserID:          body.AppAccountToken,
		Tier:            productTier(body.ProductID),
		State:           mapState(body.Status, body.AutoRenewStatus),
		PeriodEnd:       periodEnd,
		GraceUntil:      graceUntil,
		AsOf:            asOf,
	}, nil
}

func mapState(status string, autoRenew int) domain.RemoteState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		if autoRenew == 0 {
			return domain.RemoteStateCancelPending
		}
		return domain.RemoteStateActive
	case "grace_period":
		return domain.RemoteStateGrace
	case "expired":
		return domain.RemoteStateExpired
	case "revoked", "refunded":
		return domain.RemoteStateRefunded
	default:
		return domain.RemoteState(strings.ToLower(strings.TrimSpace(status)))
	}
}

func productTier(productID string) string {
	productID = strings.TrimSpace(productID)
	if idx := strings.IndexByte(productID, '.'); idx > 0 {
		return productID[:idx]
	}
	return productID
}
