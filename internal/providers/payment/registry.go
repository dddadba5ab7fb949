// Package payment indexes authoritative provider status clients.
package payment

import (
	"strings"

	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	"github.com/finchbill/entitled/internal/providers/payment/domain"
)

// Registry indexes status queriers by provider name.
type Registry struct {
	queriers map[eventdomain.Provider]domain.StatusQuerier
}

func NewRegistry(queriers ...domain.StatusQuerier) *Registry {
	registry := &Registry{queriers: map[eventdomain.Provider]domain.StatusQuerier{}}
	for _, q := range queriers {
		if q == nil {
			continue
		}
		registry.queriers[q.Provider()] = q
	}
	return registry
}

// Lookup returns the querier for a provider, nil when unknown.
func (r *Registry) Lookup(provider string) domain.StatusQuerier {
	if r == nil {
		return nil
	}
	key := eventdomain.Provider(strings.ToLower(strings.TrimSpace(provider)))
	return r.queriers[key]
}

// Providers lists registered provider names in no particular order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	providers := make([]string, 0, len(r.queriers))
	for provider := range r.queriers {
		providers = append(providers, string(provider))
	}
	return providers
}
