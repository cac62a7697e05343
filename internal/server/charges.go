package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/taleforge/internal/credit/domain"
	"github.com/smallbiznis/taleforge/internal/pricing"
)

type chargeRequest struct {
	UserID      string         `json:"user_id"`
	Kind        string         `json:"kind"`
	Inputs      pricing.Inputs `json:"inputs"`
	ReferenceID string         `json:"reference_id"`
	ArtifactID  string         `json:"artifact_id"`
	Metadata    map[string]any `json:"metadata"`
}

// ChargeArtifact records the debit for work a generation worker already
// finished. A debit that cannot be stored still answers 202 so the caller
// hands the artifact over; the reconciler settles it later.
func (s *Server) ChargeArtifact(c *gin.Context) {
	var req chargeRequest
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

	outcome, err := s.credits.Charge(c.Request.Context(), creditdomain.ChargeArtifactRequest{
		ChargeRequest: creditdomain.ChargeRequest{
			UserID:      req.UserID,
			Kind:        kind,
			Inputs:      req.Inputs,
			ReferenceID: strings.TrimSpace(req.ReferenceID),
			Metadata:    req.Metadata,
		},
		ArtifactID: req.ArtifactID,
	})
	if err != nil {
		var chargeFailed *creditdomain.ChargeFailedError
		if errors.As(err, &chargeFailed) {
			c.JSON(http.StatusAccepted, gin.H{"data": gin.H{
				"status":      "charge_pending",
				"artifact_id": chargeFailed.Artifact.ID,
				"outcome":     outcome,
			}})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}
