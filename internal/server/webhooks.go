package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandleWebhook ingests one provider notification. Payloads that fail
// normalization are dead lettered and acknowledged so the provider does not
// retry them forever; only infrastructure failures surface as retryable
// errors.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	n, err := s.normalizers.Lookup(provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if limit := s.limiter.AllowWebhook(c.Request.Context(), provider); !limit.Allowed {
		abortRateLimited(c, limit.RetryAfter)
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := n.VerifySignature(payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	ev, err := n.Normalize(payload, time.Now().UTC())
	if err != nil {
		reason := "malformed_payload"
		if errors.Is(err, eventdomain.ErrMissingField) {
			reason = "missing_field"
		}
		if dlErr := s.pipeline.DeadLetter(c.Request.Context(), provider, reason, payload); dlErr != nil {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		s.log.Warn("webhook payload dead lettered",
			zap.String("provider", provider),
			zap.String("reason", reason),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{"status": "discarded"})
		return
	}

	result, err := s.pipeline.Ingest(c.Request.Context(), ev)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func abortRateLimited(c *gin.Context, retryAfter time.Duration) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	AbortWithError(c, ErrRateLimited)
}
