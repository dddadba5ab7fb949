package cardbilling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/finchbill/entitled/internal/config"
	"github.com/finchbill/entitled/internal/providers/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClientFor(url string) *Client {
	return NewClient(config.Config{
		CardBilling: config.ProviderConfig{
			BaseURL:      url,
			APIKey:       "sk_test",
			QueryTimeout: 2 * time.Second,
		},
	})
}

func TestGetSubscriptionStatus(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "sub_1",
			"customer_id": "user_1",
			"plan": "premium",
			"status": "past_due",
			"current_period_end": "2026-04-01T00:00:00Z",
			"grace_until": "2026-04-08T00:00:00Z",
			"as_of": "2026-03-10T12:00:00Z"
		}`))
	}))
	defer srv.Close()

	status, err := newClientFor(srv.URL).GetSubscriptionStatus(context.Background(), "sub_1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "sub_1", status.SubscriptionRef)
	assert.Equal(t, "user_1", status.UserID)
	assert.Equal(t, "premium", status.Tier)
	assert.Equal(t, domain.RemoteStateGrace, status.State)
	require.NotNil(t, status.PeriodEnd)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), status.AsOf)
}

func TestGetSubscriptionStatus_NotFoundIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClientFor(srv.URL).GetSubscriptionStatus(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	assert.Equal(t, 1, calls, "404 must not be retried")
}

func TestGetSubscriptionStatus_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_1","customer_id":"user_1","status":"active"}`))
	}))
	defer srv.Close()

	status, err := newClientFor(srv.URL).GetSubscriptionStatus(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RemoteStateActive, status.State)
	assert.Equal(t, 3, calls)
}

func TestGetSubscriptionStatus_ExhaustedRetriesReportUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClientFor(srv.URL).GetSubscriptionStatus(context.Background(), "sub_1")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestGetSubscriptionStatus_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newClientFor(srv.URL).GetSubscriptionStatus(context.Background(), "sub_1")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestMapState(t *testing.T) {
	assert.Equal(t, domain.RemoteStateActive, mapState("ACTIVE"))
	assert.Equal(t, domain.RemoteStateGrace, mapState("past_due"))
	assert.Equal(t, domain.RemoteStateCancelPending, mapState("non_renewing"))
	assert.Equal(t, domain.RemoteStateCancelled, mapState("canceled"))
	assert.Equal(t, domain.RemoteStateRefunded, mapState("refunded"))
}
