package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlackFor(t *testing.T) {
	policy := DefaultPolicy()

	assert.Equal(t, 6*time.Hour, policy.SlackFor("card_billing"))
	assert.Equal(t, 24*time.Hour, policy.SlackFor("app_store"))
	// Unknown providers fall back to the most conservative window.
	assert.Equal(t, 24*time.Hour, policy.SlackFor("play_billing"))
}

func TestLimitFor(t *testing.T) {
	policy := DefaultPolicy()

	assert.Equal(t, int64(10), policy.LimitFor("free"))
	assert.Equal(t, int64(1000), policy.LimitFor("premium"))
	assert.Equal(t, int64(0), policy.LimitFor("enterprise"))
}

func TestWithPolicyDefaults(t *testing.T) {
	got := withPolicyDefaults(Policy{GracePeriod: time.Hour}, DefaultPolicy())

	assert.Equal(t, time.Hour, got.GracePeriod)
	assert.Equal(t, 60*time.Second, got.ProvisionalWindow)
	assert.Equal(t, "free", got.FreeTier)
	assert.NotEmpty(t, got.SlackWindows)
}

func TestValidatePolicy(t *testing.T) {
	assert.NoError(t, validatePolicy(DefaultPolicy()))

	assert.Error(t, validatePolicy(Policy{FreeTier: "free"}))

	bad := DefaultPolicy()
	bad.FreeTier = "platinum"
	assert.Error(t, validatePolicy(bad))
}

func TestStaticPolicyHolder(t *testing.T) {
	holder := NewStaticPolicyHolder(Policy{GracePeriod: 2 * time.Hour})

	got := holder.Get()
	assert.Equal(t, 2*time.Hour, got.GracePeriod)
	assert.Equal(t, "free", got.FreeTier)
}
