package server

import (
	"net/http"
	"strings"
	"time"

	entitlementdomain "github.com/finchbill/entitled/internal/entitlement/domain"
	"github.com/gin-gonic/gin"
)

type entitlementResponse struct {
	UserID         string     `json:"user_id"`
	Tier           string     `json:"tier"`
	ResourceLimit  int64      `json:"resource_limit"`
	Granting       bool       `json:"granting"`
	SourceStatus   string     `json:"source_status,omitempty"`
	SourceProvider string     `json:"source_provider,omitempty"`
	SourceRef      string     `json:"source_ref,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	ComputedAt     time.Time  `json:"computed_at"`
}

// HandleGetEntitlement returns the caller's current entitlement. Users with
// no granting subscription still get a response, pinned to the free tier.
func (s *Server) HandleGetEntitlement(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	entitlement, err := s.entitlements.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toEntitlementResponse(entitlement))
}

func toEntitlementResponse(e *entitlementdomain.UserEntitlement) entitlementResponse {
	return entitlementResponse{
		UserID:         e.UserID,
		Tier:           e.Tier,
		ResourceLimit:  e.ResourceLimit,
		Granting:       e.Granting,
		SourceStatus:   string(e.SourceStatus),
		SourceProvider: e.SourceProvider,
		SourceRef:      e.SourceRef,
		PeriodEnd:      e.PeriodEnd,
		ComputedAt:     e.ComputedAt,
	}
}
