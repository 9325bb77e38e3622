package database

import (
	"context"
	"fmt"

	"github.com/rentease/converse/internal/models"
)

// ConversationStore is the durable record of conversations and messages.
// Implementations must keep FindOrCreateConversation race-safe: concurrent
// callers for the same pair and listing observe the same conversation.
type ConversationStore interface {
	FindOrCreateConversation(ctx context.Context, userA, userB, listingID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	DeactivateConversation(ctx context.Context, conversationID, actorID string) error
	ListConversationsForUser(ctx context.Context, userID string) ([]*models.ConversationSummary, error)

	AppendMessage(ctx context.Context, in models.NewMessage) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	Mongo      DatabaseType = "mongo"
	Memory     DatabaseType = "memory"
)

// NewDatabase opens the store selected by dbType. dbName is only used by MongoDB.
func NewDatabase(ctx context.Context, dbType DatabaseType, connStr, dbName string) (ConversationStore, error) {
	switch dbType {
	case PostgreSQL:
		db, err := NewPostgresDB(connStr)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case Mongo:
		return NewMongoDB(ctx, connStr, dbName)
	case Memory:
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
