package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/finchbill/entitled/internal/command"
	"github.com/gin-gonic/gin"
)

type commandRequest struct {
	UserID          string `json:"user_id"`
	Provider        string `json:"provider"`
	SubscriptionRef string `json:"subscription_ref"`
	Tier            string `json:"tier"`
}

func (r commandRequest) toRequest() command.Request {
	return command.Request{
		UserID:          strings.TrimSpace(r.UserID),
		Provider:        strings.TrimSpace(r.Provider),
		SubscriptionRef: strings.TrimSpace(r.SubscriptionRef),
		Tier:            strings.TrimSpace(r.Tier),
	}
}

// HandlePurchaseIntent records a client purchase claim. The claim is
// provisional until a provider webhook corroborates it.
func (s *Server) HandlePurchaseIntent(c *gin.Context) {
	s.handleCommand(c, s.commands.SubmitPurchaseIntent)
}

// HandleRestoreRequest re-queries the provider and replays the authoritative
// state through the ingest pipeline.
func (s *Server) HandleRestoreRequest(c *gin.Context) {
	s.handleCommand(c, s.commands.RestoreRequest)
}

// HandleCancelIntent records a cancel request for audit. Cancellation itself
// only takes effect when the provider confirms it.
func (s *Server) HandleCancelIntent(c *gin.Context) {
	s.handleCommand(c, s.commands.CancelIntent)
}

func (s *Server) handleCommand(c *gin.Context, submit func(context.Context, command.Request) (command.Ack, error)) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cmdReq := req.toRequest()
	if cmdReq.UserID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	if limit := s.limiter.AllowCommand(c.Request.Context(), cmdReq.UserID); !limit.Allowed {
		abortRateLimited(c, limit.RetryAfter)
		return
	}

	ack, err := submit(c.Request.Context(), cmdReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ack)
}
