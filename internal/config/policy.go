package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Policy controls the money-affecting knobs of the reconciliation engine.
// It is loaded from an optional policy.yml and hot-reloaded on change so
// windows can be tuned without a redeploy.
type Policy struct {
	// GracePeriod preserves access after a failed renewal while the
	// provider retries the charge.
	GracePeriod time.Duration `mapstructure:"gracePeriod"`

	// ProvisionalWindow bounds how long a client-originated purchase hint
	// may live without an authoritative provider event corroborating it.
	ProvisionalWindow time.Duration `mapstructure:"provisionalWindow"`

	// SlackWindows is the per-provider delay tolerated after period_end
	// before a record counts as stale and is re-queried.
	SlackWindows map[string]time.Duration `mapstructure:"slackWindows"`

	// TierLimits maps a tier to its resource limit.
	TierLimits map[string]int64 `mapstructure:"tierLimits"`

	// FreeTier is the tier users fall back to with no active record.
	FreeTier string `mapstructure:"freeTier"`
}

func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:       7 * 24 * time.Hour,
		ProvisionalWindow: 60 * time.Second,
		SlackWindows: map[string]time.Duration{
			"card_billing": 6 * time.Hour,
			"app_store":    24 * time.Hour,
		},
		TierLimits: map[string]int64{
			"free":    10,
			"premium": 1000,
		},
		FreeTier: "free",
	}
}

// SlackFor returns the slack window for a provider, falling back to the
// largest configured window when the provider is unknown.
func (p Policy) SlackFor(provider string) time.Duration {
	if window, ok := p.SlackWindows[strings.TrimSpace(provider)]; ok {
		return window
	}
	var max time.Duration
	for _, window := range p.SlackWindows {
		if window > max {
			max = window
		}
	}
	if max == 0 {
		max = 24 * time.Hour
	}
	return max
}

// LimitFor returns the resource limit for a tier, zero when unknown.
func (p Policy) LimitFor(tier string) int64 {
	return p.TierLimits[strings.TrimSpace(tier)]
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitled/config") // Volume-mounted config
	v.AddConfigPath("/etc/entitled")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("ENTITLED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("policy.gracePeriod", defaults.GracePeriod)
		v.SetDefault("policy.provisionalWindow", defaults.ProvisionalWindow)
		v.SetDefault("policy.slackWindows", defaults.SlackWindows)
		v.SetDefault("policy.tierLimits", defaults.TierLimits)
		v.SetDefault("policy.freeTier", defaults.FreeTier)
	}

	var policy Policy
	if err := v.UnmarshalKey("policy", &policy); err != nil {
		return nil, err
	}
	policy = withPolicyDefaults(policy, defaults)
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Printf("[policy] reload failed: %v", err)
			return
		}
		updated = withPolicyDefaults(updated, defaults)
		if err := validatePolicy(updated); err != nil {
			log.Printf("[policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPolicyHolder wraps a fixed policy, for tests.
func NewStaticPolicyHolder(policy Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(withPolicyDefaults(policy, DefaultPolicy()))
	return holder
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func withPolicyDefaults(policy, defaults Policy) Policy {
	if policy.GracePeriod <= 0 {
		policy.GracePeriod = defaults.GracePeriod
	}
	if policy.ProvisionalWindow <= 0 {
		policy.ProvisionalWindow = defaults.ProvisionalWindow
	}
	if len(policy.SlackWindows) == 0 {
		policy.SlackWindows = defaults.SlackWindows
	}
	if len(policy.TierLimits) == 0 {
		policy.TierLimits = defaults.TierLimits
	}
	if strings.TrimSpace(policy.FreeTier) == "" {
		policy.FreeTier = defaults.FreeTier
	}
	return policy
}

func validatePolicy(policy Policy) error {
	if len(policy.TierLimits) == 0 {
		return errors.New("policy.tierLimits cannot be empty")
	}
	if _, ok := policy.TierLimits[policy.FreeTier]; !ok {
		return errors.New("policy.freeTier must have a tier limit")
	}
	return nil
}
