package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rentease/converse/internal/delivery"
	"github.com/rentease/converse/internal/models"
)

// GetMessages returns a conversation's history, oldest first, and marks
// the caller's unread messages as read.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	messages, err := h.Coordinator.History(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// SendMessage appends a message over HTTP. Live participants receive it
// exactly as if it had been sent over the socket.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.Coordinator.Send(c.Request.Context(), delivery.SendRequest{
		ConversationID: c.Param("id"),
		SenderID:       userID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		RelatedListing: req.RelatedListing,
		RelatedBooking: req.RelatedBooking,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	log.Debug("Message %s sent over HTTP: delivered=%d notified=%d", report.Message.ID, report.Delivered, report.Notified)
	c.JSON(http.StatusCreated, report.Message)
}

// MarkMessageAsRead acknowledges one message. Only its receiver may do so.
func (h *ConversationHandler) MarkMessageAsRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	msg, err := h.Store.MarkMessageRead(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
