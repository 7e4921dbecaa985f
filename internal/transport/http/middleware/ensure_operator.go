package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/store"
	"github.com/gin-gonic/gin"
)

// EnsureOperator runs after Auth. The JWT's sub claim is the operator ID
// minted at magic-link verification time; this loads the row and sets it
// in context so handlers never need to re-query it.
func EnsureOperator(operators store.OperatorStore, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := c.GetString("userID")

		op, err := operators.FindByID(c.Request.Context(), operatorID)
		if err != nil {
			if errors.Is(err, domain.ErrOperatorNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
				return
			}
			logger.ErrorContext(c.Request.Context(), "ensure operator lookup", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "Internal server error"})
			return
		}

		c.Set("operator", op)
		c.Next()
	}
}
