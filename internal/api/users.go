package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rentease/converse/internal/auth"
	"github.com/rentease/converse/internal/models"
)

// PresenceChecker answers whether a user has a live connection
type PresenceChecker interface {
	UserOnline(ctx context.Context, userID string) bool
}

type UserHandler struct {
	Presence PresenceChecker
}

func NewUserHandler(presence PresenceChecker) *UserHandler {
	return &UserHandler{Presence: presence}
}

// GetMe returns the principal carried by the caller's token
func (h *UserHandler) GetMe(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.Principal{
		UserID:      userID,
		DisplayName: c.GetString(auth.ContextDisplayName),
	})
}

// GetOnline reports whether a user is currently connected
func (h *UserHandler) GetOnline(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}

	userID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"online":  h.Presence.UserOnline(c.Request.Context(), userID),
	})
}
