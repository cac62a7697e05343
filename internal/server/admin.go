package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/taleforge/internal/audit/domain"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	creditdomain "github.com/smallbiznis/taleforge/internal/credit/domain"
	paymentdomain "github.com/smallbiznis/taleforge/internal/payment/domain"
	"github.com/smallbiznis/taleforge/pkg/db/pagination"
	"go.uber.org/zap"
)

type refundRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	ReferenceID string         `json:"reference_id"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) AdminRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	bindUser(c, req.UserID)

	metadata := map[string]any{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if actor := actorLabel(c); actor != "" {
		metadata["actor"] = actor
	}

	resp, err := s.credits.Refund(c.Request.Context(), creditdomain.RefundRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		Metadata:    metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !resp.Replayed {
		s.recordAudit(c, auditdomain.ActionCreditRefund, "account", req.UserID, map[string]any{
			"amount":         req.Amount,
			"reference_id":   req.ReferenceID,
			"transaction_id": resp.TransactionID,
			"new_balance":    resp.NewBalance,
			"metadata":       req.Metadata,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type adjustmentRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
	Note        string `json:"note"`
}

func (s *Server) AdminAdjust(c *gin.Context) {
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	bindUser(c, req.UserID)

	resp, err := s.credits.Adjust(c.Request.Context(), creditdomain.AdjustRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		Note:        req.Note,
		Actor:       actorLabel(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !resp.Replayed {
		s.recordAudit(c, auditdomain.ActionCreditAdjust, "account", req.UserID, map[string]any{
			"amount":         req.Amount,
			"reference_id":   req.ReferenceID,
			"note":           req.Note,
			"transaction_id": resp.TransactionID,
			"new_balance":    resp.NewBalance,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type updateTierRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) AdminUpdateTier(c *gin.Context) {
	var req updateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID := s.userIDParam(c)

	tier, err := balancedomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	before, err := s.balanceSvc.GetAccount(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.balanceSvc.UpdateTier(ctx, userID, tier); err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("subscription tier changed by admin",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.String("actor", actorLabel(c)),
	)
	s.recordAudit(c, auditdomain.ActionAccountTierUpdate, "account", userID, map[string]any{
		"from": string(before.SubscriptionTier),
		"to":   string(tier),
	})

	account, err := s.balanceSvc.GetAccount(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) AdminReconcileAccount(c *gin.Context) {
	userID := s.userIDParam(c)

	report, err := s.balanceSvc.Reconcile(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) AdminListChargeFailures(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
		Limit  int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := creditdomain.FailureStatus(strings.ToLower(strings.TrimSpace(query.Status)))
	switch status {
	case "", creditdomain.FailureStatusPending, creditdomain.FailureStatusResolved, creditdomain.FailureStatusAbandoned:
	default:
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	items, err := s.credits.ListFailures(c.Request.Context(), status, query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) AdminGetChargeFailure(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	failure, err := s.credits.GetFailure(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	bindUser(c, failure.UserID)

	c.JSON(http.StatusOK, gin.H{"data": failure})
}

func (s *Server) AdminListPaymentEvents(c *gin.Context) {
	if s.paymentSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var query struct {
		Provider    string `form:"provider"`
		UserID      string `form:"user_id"`
		Unprocessed bool   `form:"unprocessed"`
		Limit       int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items, err := s.paymentSvc.ListEvents(c.Request.Context(), paymentdomain.EventFilter{
		Provider:        query.Provider,
		UserID:          query.UserID,
		UnprocessedOnly: query.Unprocessed,
		Limit:           query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) AdminListAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var query struct {
		pagination.Pagination
		Action     string `form:"action"`
		TargetType string `form:"target_type"`
		TargetID   string `form:"target_id"`
		ActorType  string `form:"actor_type"`
		StartAt    string `form:"start_at"`
		EndAt      string `form:"end_at"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := parseOptionalTime(query.StartAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}
	endAt, err := parseOptionalTime(query.EndAt, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: query.Pagination,
		Action:     query.Action,
		TargetType: query.TargetType,
		TargetID:   query.TargetID,
		ActorType:  query.ActorType,
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.AuditLogs,
		"page_info": resp.PageInfo,
	})
}
