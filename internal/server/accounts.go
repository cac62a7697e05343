package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	obscontext "github.com/smallbiznis/taleforge/internal/observability/context"
	"github.com/smallbiznis/taleforge/pkg/db/pagination"
)

const (
	contextUserIDKey        = "user_id"
	contextOperationKindKey = "operation_kind"
)

type createAccountRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := bindUser(c, req.UserID)

	var tier balancedomain.Tier
	if strings.TrimSpace(req.Tier) != "" {
		parsed, err := balancedomain.ParseTier(req.Tier)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		tier = parsed
	}

	resp, err := s.balanceSvc.CreateAccount(c.Request.Context(), balancedomain.CreateAccountRequest{
		UserID: userID,
		Tier:   tier,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetAccount(c *gin.Context) {
	userID := s.userIDParam(c)

	resp, err := s.balanceSvc.GetAccount(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := s.userIDParam(c)

	balance, err := s.balanceSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"user_id": userID,
		"balance": balance,
	}})
}

func (s *Server) ListTransactions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Reason      string `form:"reason"`
		ReferenceID string `form:"reference_id"`
		Since       string `form:"since"`
		Until       string `form:"until"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := s.userIDParam(c)

	reasons, err := parseReasons(query.Reason)
	if err != nil {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "invalid reason"))
		return
	}

	since, err := parseOptionalTime(query.Since, false)
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "invalid since"))
		return
	}
	until, err := parseOptionalTime(query.Until, true)
	if err != nil {
		AbortWithError(c, newValidationError("until", "invalid_until", "invalid until"))
		return
	}

	resp, err := s.balanceSvc.ListTransactions(c.Request.Context(), balancedomain.ListTransactionsRequest{
		UserID:      userID,
		Reasons:     reasons,
		ReferenceID: strings.TrimSpace(query.ReferenceID),
		Since:       since,
		Until:       until,
		PageToken:   query.PageToken,
		PageSize:    query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Transactions,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) userIDParam(c *gin.Context) string {
	return bindUser(c, c.Param("user_id"))
}

// bindUser tags the request log line and any query logs with the account owner.
func bindUser(c *gin.Context, userID string) string {
	userID = strings.TrimSpace(userID)
	c.Set(contextUserIDKey, userID)
	c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), userID))
	return userID
}
