package models

import (
	"time"
)

// MessageType classifies message content
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

// MaxContentLength bounds message content after trimming
const MaxContentLength = 2000

// Valid reports whether t is one of the known message types
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeSystem:
		return true
	}
	return false
}

// Message represents a chat message inside a conversation
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
	RelatedListing string      `json:"related_listing,omitempty"`
	RelatedBooking string      `json:"related_booking,omitempty"`
	IsRead         bool        `json:"is_read"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessage is the input for appending a message to a conversation
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	MessageType    MessageType
	RelatedListing string
	RelatedBooking string
}

// MessageRequest is the structure for message creation over HTTP
type MessageRequest struct {
	Content        string      `json:"content" binding:"required"`
	MessageType    MessageType `json:"message_type"`
	RelatedListing string      `json:"related_listing"`
	RelatedBooking string      `json:"related_booking"`
}

// MessageSummary is the lightweight payload used for notifications
type MessageSummary struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary derives the notification payload for m
func (m *Message) Summary() MessageSummary {
	return MessageSummary{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
