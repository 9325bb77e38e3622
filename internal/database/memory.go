package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rentease/converse/internal/models"
)

// MemoryDB is an in-process ConversationStore used for development and tests.
// All state lives behind one mutex, which also makes find-or-create atomic.
type MemoryDB struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	active        map[string]string // pair|listing -> conversation id
	messages      map[string][]*models.Message
	messagesByID  map[string]*models.Message
	now           func() time.Time
}

// NewMemoryDB builds an empty store.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		conversations: make(map[string]*models.Conversation),
		active:        make(map[string]string),
		messages:      make(map[string][]*models.Message),
		messagesByID:  make(map[string]*models.Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (db *MemoryDB) FindOrCreateConversation(ctx context.Context, userA, userB, listingID string) (*models.Conversation, error) {
	pair, err := participantPair(userA, userB)
	if err != nil {
		return nil, err
	}
	listingID = strings.TrimSpace(listingID)
	key := pairKey(pair) + "|" + listingID

	db.mu.Lock()
	defer db.mu.Unlock()

	if id, ok := db.active[key]; ok {
		return db.cloneConversation(db.conversations[id]), nil
	}

	now := db.now()
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Participants: []string{pair[0], pair[1]},
		ListingID:    listingID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	db.conversations[conv.ID] = conv
	db.active[key] = conv.ID
	return db.cloneConversation(conv), nil
}

func (db *MemoryDB) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conversationID, err := canonicalID(conversationID, "conversation")
	if err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	conv, ok := db.conversations[conversationID]
	if !ok {
		return nil, notFound("conversation %s", conversationID)
	}
	return db.cloneConversation(conv), nil
}

func (db *MemoryDB) DeactivateConversation(ctx context.Context, conversationID, actorID string) error {
	conversationID, err := canonicalID(conversationID, "conversation")
	if err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	conv, ok := db.conversations[conversationID]
	if !ok {
		return notFound("conversation %s", conversationID)
	}
	if !conv.HasParticipant(actorID) {
		return forbidden("user %s is not a participant of conversation %s", actorID, conversationID)
	}
	if !conv.IsActive {
		return nil
	}
	conv.IsActive = false
	conv.UpdatedAt = db.now()
	key := pairKey([2]string{conv.Participants[0], conv.Participants[1]}) + "|" + conv.ListingID
	if db.active[key] == conv.ID {
		delete(db.active, key)
	}
	return nil
}

func (db *MemoryDB) ListConversationsForUser(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.ConversationSummary, 0)
	for _, conv := range db.conversations {
		if !conv.IsActive || !conv.HasParticipant(userID) {
			continue
		}
		var unread int64
		for _, m := range db.messages[conv.ID] {
			if m.ReceiverID == userID && !m.IsRead {
				unread++
			}
		}
		out = append(out, &models.ConversationSummary{
			Conversation: *db.cloneConversation(conv),
			UnreadCount:  unread,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (db *MemoryDB) AppendMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	in, err := prepareMessage(in)
	if err != nil {
		return nil, err
	}
	if in.ConversationID, err = canonicalID(in.ConversationID, "conversation"); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	conv, ok := db.conversations[in.ConversationID]
	if !ok || !conv.IsActive {
		return nil, notFound("conversation %s", in.ConversationID)
	}
	receiver, err := resolveReceiver(conv, in.SenderID)
	if err != nil {
		return nil, err
	}

	now := db.now()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Content:        in.Content,
		MessageType:    in.MessageType,
		RelatedListing: in.RelatedListing,
		RelatedBooking: in.RelatedBooking,
		CreatedAt:      now,
	}
	db.messages[conv.ID] = append(db.messages[conv.ID], msg)
	db.messagesByID[msg.ID] = msg
	conv.LastMessageID = msg.ID
	conv.UpdatedAt = now

	cp := *msg
	return &cp, nil
}

func (db *MemoryDB) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	conversationID, err := canonicalID(conversationID, "conversation")
	if err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	if _, ok := db.conversations[conversationID]; !ok {
		return nil, notFound("conversation %s", conversationID)
	}
	stored := db.messages[conversationID]
	out := make([]*models.Message, 0, len(stored))
	for _, m := range stored {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (db *MemoryDB) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	conversationID, err := canonicalID(conversationID, "conversation")
	if err != nil {
		return 0, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.conversations[conversationID]; !ok {
		return 0, notFound("conversation %s", conversationID)
	}
	var n int64
	for _, m := range db.messages[conversationID] {
		if m.ReceiverID == readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (db *MemoryDB) MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	messageID, err := canonicalID(messageID, "message")
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	msg, ok := db.messagesByID[messageID]
	if !ok {
		return nil, notFound("message %s", messageID)
	}
	if msg.ReceiverID != readerID {
		return nil, forbidden("only the receiver can acknowledge message %s", messageID)
	}
	msg.IsRead = true
	cp := *msg
	return &cp, nil
}

func (db *MemoryDB) Ping(ctx context.Context) error {
	return nil
}

func (db *MemoryDB) Close() error {
	return nil
}

// cloneConversation copies conv and resolves its last message. Callers hold db.mu.
func (db *MemoryDB) cloneConversation(conv *models.Conversation) *models.Conversation {
	cp := *conv
	cp.Participants = append([]string(nil), conv.Participants...)
	if last, ok := db.messagesByID[conv.LastMessageID]; ok {
		lm := *last
		cp.LastMessage = &lm
	}
	return &cp
}

func validUUID(id, what string) error {
	_, err := canonicalID(id, what)
	return err
}

// canonicalID returns the lowercase hyphenated form of a UUID id
func canonicalID(id, what string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", invalid("malformed %s id %q", what, id)
	}
	return parsed.String(), nil
}
