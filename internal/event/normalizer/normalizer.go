// Package normalizer translates provider-specific webhook payloads into
// normalized lifecycle events.
package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/finchbill/entitled/internal/event/domain"
)

// ErrInvalidSignature is returned when a webhook signature does not match.
var ErrInvalidSignature = errors.New("normalizer: invalid webhook signature")

// Normalizer verifies and translates one provider's webhook payloads.
type Normalizer interface {
	Provider() domain.Provider
	VerifySignature(payload []byte, headers http.Header) error
	Normalize(payload []byte, receivedAt time.Time) (*domain.LifecycleEvent, error)
}

// Registry indexes normalizers by provider name.
type Registry struct {
	normalizers map[domain.Provider]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	registry := &Registry{normalizers: map[domain.Provider]Normalizer{}}
	for _, n := range normalizers {
		if n == nil {
			continue
		}
		registry.normalizers[n.Provider()] = n
	}
	return registry
}

// Lookup returns the normalizer for a provider path segment.
func (r *Registry) Lookup(provider string) (Normalizer, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	key := domain.Provider(strings.ToLower(strings.TrimSpace(provider)))
	n, ok := r.normalizers[key]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return n, nil
}

// verifyHMAC checks a hex-encoded HMAC-SHA256 signature over the raw payload.
func verifyHMAC(secret string, payload []byte, signature string) error {
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}
