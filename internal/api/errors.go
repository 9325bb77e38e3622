package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rentease/converse/internal/auth"
	"github.com/rentease/converse/internal/database"
)

// respondError maps store errors onto HTTP statuses. Internal failures are
// logged and hidden from the caller.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// currentUser reads the caller set by the auth middleware
func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(auth.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return "", false
	}
	return userID, true
}
