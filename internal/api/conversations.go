package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rentease/converse/internal/database"
	"github.com/rentease/converse/internal/delivery"
	"github.com/rentease/converse/internal/models"
)

// ConversationHandler serves the request/response side of chat: the
// conversation list, history for initial page loads and a non-realtime
// send that shares the socket path's validation and fan-out.
type ConversationHandler struct {
	Store       database.ConversationStore
	Coordinator *delivery.Coordinator
}

func NewConversationHandler(store database.ConversationStore, coordinator *delivery.Coordinator) *ConversationHandler {
	return &ConversationHandler{Store: store, Coordinator: coordinator}
}

// ListConversations returns the caller's active conversations, most recent first
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	conversations, err := h.Store.ListConversationsForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if conversations == nil {
		conversations = []*models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, conversations)
}

// CreateConversation finds or starts the conversation with another user
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.Store.FindOrCreateConversation(c.Request.Context(), userID, req.ParticipantID, req.ListingID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation deactivates a conversation. Its history is kept.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.Store.DeactivateConversation(c.Request.Context(), c.Param("id"), userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deactivated"})
}

// MarkConversationRead marks everything addressed to the caller as read
func (h *ConversationHandler) MarkConversationRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID := c.Param("id")
	n, err := h.Coordinator.MarkRead(c.Request.Context(), conversationID, userID, "")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "count": n})
}
