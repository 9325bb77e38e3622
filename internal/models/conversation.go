package models

import "time"

// Conversation is a thread between exactly two participants, optionally
// scoped to a listing.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	ListingID     string    `json:"listing_id,omitempty"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessage   *Message  `json:"last_message,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two members
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the member that is not userID
func (c *Conversation) OtherParticipant(userID string) (string, bool) {
	if !c.HasParticipant(userID) {
		return "", false
	}
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

// ConversationSummary is a conversation as seen by one participant
type ConversationSummary struct {
	Conversation
	UnreadCount int64 `json:"unread_count"`
}

// ConversationRequest starts (or resumes) a conversation over HTTP
type ConversationRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	ListingID     string `json:"listing_id"`
}

// Principal is the authenticated caller
type Principal struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}
