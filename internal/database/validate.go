package database

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rentease/converse/internal/models"
)

// participantPair returns the two user ids in canonical (sorted) order.
func participantPair(userA, userB string) ([2]string, error) {
	a := strings.TrimSpace(userA)
	b := strings.TrimSpace(userB)
	if a == "" || b == "" {
		return [2]string{}, invalid("both participants are required")
	}
	if a == b {
		return [2]string{}, invalid("cannot start a conversation with yourself")
	}
	pair := []string{a, b}
	sort.Strings(pair)
	return [2]string{pair[0], pair[1]}, nil
}

func pairKey(pair [2]string) string {
	return pair[0] + "|" + pair[1]
}

// prepareMessage validates and normalises an append request. Every store
// runs it before touching storage so HTTP and realtime sends agree.
func prepareMessage(in models.NewMessage) (models.NewMessage, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.Content = strings.TrimSpace(in.Content)
	in.RelatedListing = strings.TrimSpace(in.RelatedListing)
	in.RelatedBooking = strings.TrimSpace(in.RelatedBooking)

	if in.ConversationID == "" {
		return in, invalid("conversation id is required")
	}
	if in.SenderID == "" {
		return in, invalid("sender id is required")
	}
	if in.Content == "" {
		return in, invalid("message content must not be empty")
	}
	if n := utf8.RuneCountInString(in.Content); n > models.MaxContentLength {
		return in, invalid("message content is %d characters, limit is %d", n, models.MaxContentLength)
	}
	if in.MessageType == "" {
		in.MessageType = models.MessageTypeText
	}
	if !in.MessageType.Valid() {
		return in, invalid("unknown message type %q", in.MessageType)
	}
	return in, nil
}

// resolveReceiver applies the participant invariant for a new message.
func resolveReceiver(conv *models.Conversation, senderID string) (string, error) {
	receiver, ok := conv.OtherParticipant(senderID)
	if !ok {
		return "", forbidden("user %s is not a participant of conversation %s", senderID, conv.ID)
	}
	return receiver, nil
}
