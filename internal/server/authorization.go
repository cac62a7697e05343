package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/taleforge/internal/audit/domain"
	"github.com/smallbiznis/taleforge/internal/authorization"
	obscontext "github.com/smallbiznis/taleforge/internal/observability/context"
)

const (
	HeaderAdminKey      = "X-Admin-Key"
	contextPrincipalKey = "admin_principal"
)

// authorizeAdminAction resolves the X-Admin-Key header to a role and checks
// the object/action pair before the handler runs.
func (s *Server) authorizeAdminAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}

		apiKey := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
		if apiKey == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.authzSvc.Authorize(c.Request.Context(), apiKey, object, action)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextPrincipalKey, principal)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), principal.Role))
		c.Next()
	}
}

func principalFromContext(c *gin.Context) (authorization.Principal, bool) {
	raw, ok := c.Get(contextPrincipalKey)
	if !ok {
		return authorization.Principal{}, false
	}
	principal, ok := raw.(authorization.Principal)
	return principal, ok
}

// actorLabel names the operator in ledger metadata without leaking the key.
func actorLabel(c *gin.Context) string {
	principal, ok := principalFromContext(c)
	if !ok {
		return ""
	}
	return principal.Role + ":" + principal.Subject
}

// recordAudit writes an audit entry naming the admin key subject behind the
// request. A failed write is logged by the audit service and never undoes
// the action it describes.
func (s *Server) recordAudit(c *gin.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}

	payload := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		payload[k] = v
	}
	var actorID *string
	if principal, ok := principalFromContext(c); ok {
		subject := principal.Subject
		actorID = &subject
		payload["role"] = principal.Role
	}

	_ = s.auditSvc.AuditLog(c.Request.Context(), string(auditdomain.ActorTypeAdminKey), actorID, action, targetType, &targetID, payload)
}
