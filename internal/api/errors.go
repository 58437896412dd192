package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"go.uber.org/zap"
)

// statusFor maps a substrate error to its HTTP status. ErrUnverifiedRange
// wraps its cause, so it is matched first.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnverifiedRange):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrNoActiveTenant), errors.Is(err, ledger.ErrMutationDenied):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrChainConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the mapped status. Integrity violations and
// unexpected failures are logged and their detail withheld from the client.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)
	if errors.Is(err, ledger.ErrChainConflict) {
		c.Header("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		if errors.Is(err, ledger.ErrIntegrityViolation) {
			logger.Error("integrity violation", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(status, gin.H{"error": "integrity violation"})
			return
		}
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
