package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obango/obango/internal/domain"
)

const errForbidden = "Forbidden"

// RequireRole runs after EnsureOperator and 403s unless the operator set
// in context holds at least the given role. domain.RoleAdmin is the only
// role above domain.RoleViewer today, so this is a simple equality check
// rather than a tiered comparison.
func RequireRole(role domain.OperatorRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := c.MustGet("operator").(*domain.Operator)
		if !ok || op.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errForbidden})
			return
		}
		c.Next()
	}
}
