package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/taleforge/internal/entitlement/domain"
	"github.com/smallbiznis/taleforge/internal/pricing"
)

type operationRequest struct {
	UserID string         `json:"user_id"`
	Kind   string         `json:"kind"`
	Inputs pricing.Inputs `json:"inputs"`
}

func (s *Server) GetPricing(c *gin.Context) {
	table := s.pricing.Table()

	kinds := make([]gin.H, 0, len(pricing.Kinds()))
	for _, kind := range pricing.Kinds() {
		entry := gin.H{
			"kind":  kind,
			"fixed": kind.Fixed(),
			"gated": table.Config().IsGated(string(kind)),
		}
		if kind.Fixed() {
			cost, _ := table.CostOf(kind)
			entry["cost"] = cost
		}
		kinds = append(kinds, entry)
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"kinds":  kinds,
		"config": table.Config(),
	}})
}

func (s *Server) QuoteOperation(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	kind, err := pricing.ParseKind(req.Kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextOperationKindKey, string(kind))

	quote, err := s.pricing.Table().Quote(kind, req.Inputs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": quote})
}

// CheckEntitlement answers without consuming anything. Denials are part of
// the result body, not errors.
func (s *Server) CheckEntitlement(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	kind, err := pricing.ParseKind(req.Kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextOperationKindKey, string(kind))
	bindUser(c, req.UserID)

	result, err := s.checker.Check(c.Request.Context(), entitlementdomain.CheckRequest{
		UserID: req.UserID,
		Kind:   kind,
		Inputs: req.Inputs,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
