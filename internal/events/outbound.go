package events

import (
	"encoding/json"

	"github.com/rentease/converse/internal/models"
)

// Outbound event types
const (
	TypeNewMessage          Type = "new-message"
	TypeMessageNotification Type = "message-notification"
	TypeUserTyping          Type = "user-typing"
	TypeUserStoppedTyping   Type = "user-stopped-typing"
	TypeMessagesMarkedRead  Type = "messages-marked-read"
	TypeMessageSent         Type = "message-sent"
	TypeError               Type = "error"
)

// Error codes carried by the error event
const (
	CodeInvalidArgument = "invalid_argument"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal"
	CodeRateLimited     = "rate_limited"
)

// Outbound is a server event ready to encode
type Outbound struct {
	Type Type        `json:"type"`
	Data interface{} `json:"data"`
}

// Encode renders the event as one text frame
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
}

type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Count          int64  `json:"count"`
}

type SentPayload struct {
	ClientMessageID string          `json:"client_message_id,omitempty"`
	Message         *models.Message `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   Type   `json:"event,omitempty"`
}

func NewMessage(msg *models.Message) Outbound {
	return Outbound{Type: TypeNewMessage, Data: msg}
}

func MessageNotification(summary models.MessageSummary) Outbound {
	return Outbound{Type: TypeMessageNotification, Data: summary}
}

func UserTyping(conversationID, userID, displayName string) Outbound {
	return Outbound{Type: TypeUserTyping, Data: TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
	}}
}

func UserStoppedTyping(conversationID, userID string) Outbound {
	return Outbound{Type: TypeUserStoppedTyping, Data: TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}}
}

func MessagesMarkedRead(conversationID, userID string, count int64) Outbound {
	return Outbound{Type: TypeMessagesMarkedRead, Data: ReadPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Count:          count,
	}}
}

func MessageSent(clientMessageID string, msg *models.Message) Outbound {
	return Outbound{Type: TypeMessageSent, Data: SentPayload{
		ClientMessageID: clientMessageID,
		Message:         msg,
	}}
}

func Error(code, message string, event Type) Outbound {
	return Outbound{Type: TypeError, Data: ErrorPayload{
		Code:    code,
		Message: message,
		Event:   event,
	}}
}
