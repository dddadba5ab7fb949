// Package cardbilling implements the authoritative status client for the
// card billing provider API.
package cardbilling

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

// NewClient builds the card billing status client.
func NewClient(cfg config.Config) *Client {
	timeout := cfg.CardBilling.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.CardBilling.BaseURL, "/"),
		apiKey:     cfg.CardBilling.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Provider() eventdomain.Provider {
	return eventdomain.ProviderCardBilling
}

type subscriptionResponse struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
	GraceUntil       *time.Time `json:"grace_until"`
	AsOf             time.Time  `json:"as_of"`
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
	url := fmt.Sprintf("%s/v1/subscriptions/%s", c.baseURL, subscriptionRef)
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
		return nil, backoff.Permanent(fmt.Errorf("cardbilling: unexpected status %d", resp.StatusCode))
	}

	var body subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("cardbilling: decode response: %w", err))
	}

	asOf := body.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	return &domain.RemoteStatus{
		SubscriptionRef: body.ID,
		UserID:          body.CustomerID,
		Tier:            strings.TrimSpace(body.Plan),
		State:           mapState(body.Status),
		PeriodEnd:       body.CurrentPeriodEnd,
		GraceUntil:      body.GraceUntil,
		AsOf:            asOf.UTC(),
	}, nil
}

func mapState(status string) domain.RemoteState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return domain.RemoteStateActive
	case "past_due", "grace":
		return domain.RemoteStateGrace
	case "cancel_pending", "non_renewing":
		return domain.RemoteStateCancelPending
	case "cancelled", "canceled":
		return domain.RemoteStateCancelled
	case "expired":
		return domain.RemoteStateExpired
	case "refunded":
		return domain.RemoteStateRefunded
	default:
		return domain.RemoteState(strings.ToLower(strings.TrimSpace(status)))
	}
}
