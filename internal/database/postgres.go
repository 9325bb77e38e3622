package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL driver

	"github.com/rentease/converse/internal/models"
)

const pgUniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id              UUID PRIMARY KEY,
		participant_a   TEXT NOT NULL,
		participant_b   TEXT NOT NULL,
		listing_id      TEXT NOT NULL DEFAULT '',
		last_message_id UUID,
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_active_pair_idx
		ON conversations (participant_a, participant_b, listing_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS conversations_participant_a_idx ON conversations (participant_a, updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS conversations_participant_b_idx ON conversations (participant_b, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq             BIGSERIAL,
		id              UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations (id),
		sender_id       TEXT NOT NULL,
		receiver_id     TEXT NOT NULL,
		content         TEXT NOT NULL,
		message_type    TEXT NOT NULL DEFAULT 'text',
		related_listing TEXT NOT NULL DEFAULT '',
		related_booking TEXT NOT NULL DEFAULT '',
		is_read         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages (conversation_id, receiver_id) WHERE NOT is_read`,
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, message_type,
	related_listing, related_booking, is_read, created_at`

type PostgresDB struct {
	*sql.DB
	now func() time.Time
}

func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresDB{
		DB: db,
		// TIMESTAMPTZ keeps microseconds; truncating keeps returned values equal to stored ones.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (db *PostgresDB) FindOrCreateConversation(ctx context.Context, userA, userB, listingID string) (*models.Conversation, error) {
	pair, err := participantPair(userA, userB)
	if err != nil {
		return nil, err
	}
	listingID = strings.TrimSpace(listingID)
	now := db.now()

	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, listing_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (participant_a, participant_b, listing_id) WHERE is_active DO NOTHING`,
		uuid.New(), pair[0], pair[1], listingID, now,
	)
	if err != nil && !isUniqueViolation(err) {
		return nil, err
	}

	// Either we inserted it or a concurrent caller did; both read the same row.
	row := db.QueryRowContext(ctx, `
		SELECT id FROM conversations
		WHERE participant_a = $1 AND participant_b = $2 AND listing_id = $3 AND is_active`,
		pair[0], pair[1], listingID,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("find conversation after upsert: %w", err)
	}
	return db.GetConversation(ctx, id)
}

func (db *PostgresDB) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	if err := validUUID(conversationID, "conversation"); err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, conversationSelect+` WHERE c.id = $1`, conversationID)
	conv, _, err := scanConversation(row, false)
	if err == sql.ErrNoRows {
		return nil, notFound("conversation %s", conversationID)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *PostgresDB) DeactivateConversation(ctx context.Context, conversationID, actorID string) error {
	conv, err := db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(actorID) {
		return forbidden("user %s is not a participant of conversation %s", actorID, conversationID)
	}
	_, err = db.ExecContext(ctx,
		"UPDATE conversations SET is_active = FALSE, updated_at = $1 WHERE id = $2 AND is_active",
		db.now(), conversationID,
	)
	return err
}

func (db *PostgresDB) ListConversationsForUser(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.participant_a, c.participant_b, c.listing_id, c.last_message_id, c.is_active,
		       c.created_at, c.updated_at,
		       lm.id, lm.conversation_id, lm.sender_id, lm.receiver_id, lm.content, lm.message_type,
		       lm.related_listing, lm.related_booking, lm.is_read, lm.created_at,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id AND m.receiver_id = $1 AND NOT m.is_read) AS unread
		FROM conversations c
		LEFT JOIN messages lm ON lm.id = c.last_message_id
		WHERE (c.participant_a = $1 OR c.participant_b = $1) AND c.is_active
		ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ConversationSummary, 0)
	for rows.Next() {
		conv, unread, err := scanConversation(rows, true)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, &models.ConversationSummary{Conversation: *conv, UnreadCount: unread})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}
	return out, nil
}

func (db *PostgresDB) AppendMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	in, err := prepareMessage(in)
	if err != nil {
		return nil, err
	}
	if err := validUUID(in.ConversationID, "conversation"); err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Row lock serialises appends per conversation so last_message_id tracks the newest row.
	var id, a, b string
	var active bool
	err = tx.QueryRowContext(ctx,
		"SELECT id, participant_a, participant_b, is_active FROM conversations WHERE id = $1 FOR UPDATE",
		in.ConversationID,
	).Scan(&id, &a, &b, &active)
	if err == sql.ErrNoRows || (err == nil && !active) {
		return nil, notFound("conversation %s", in.ConversationID)
	}
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{ID: id, Participants: []string{a, b}}
	receiver, err := resolveReceiver(conv, in.SenderID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Content:        in.Content,
		MessageType:    in.MessageType,
		RelatedListing: in.RelatedListing,
		RelatedBooking: in.RelatedBooking,
		IsRead:         false,
		CreatedAt:      db.now(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.MessageType),
		msg.RelatedListing, msg.RelatedBooking, msg.IsRead, msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_id = $1, updated_at = $2 WHERE id = $3",
		msg.ID, msg.CreatedAt, msg.ConversationID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *PostgresDB) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if _, err := db.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var msgType string
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msgType,
			&msg.RelatedListing, &msg.RelatedBooking, &msg.IsRead, &msg.CreatedAt)
		if err != nil {
			return nil, err
		}
		msg.MessageType = models.MessageType(msgType)
		messages = append(messages, &msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (db *PostgresDB) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if _, err := db.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read",
		conversationID, readerID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (db *PostgresDB) MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	if err := validUUID(messageID, "message"); err != nil {
		return nil, err
	}
	var msg models.Message
	var msgType string
	err := db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID,
	).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msgType,
		&msg.RelatedListing, &msg.RelatedBooking, &msg.IsRead, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("message %s", messageID)
	}
	if err != nil {
		return nil, err
	}
	msg.MessageType = models.MessageType(msgType)
	if msg.ReceiverID != readerID {
		return nil, forbidden("only the receiver can acknowledge message %s", messageID)
	}
	if msg.IsRead {
		return &msg, nil
	}

	if _, err := db.ExecContext(ctx, "UPDATE messages SET is_read = TRUE WHERE id = $1", messageID); err != nil {
		return nil, err
	}
	msg.IsRead = true
	return &msg, nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

func (db *PostgresDB) Close() error {
	return db.DB.Close()
}

const conversationSelect = `
	SELECT c.id, c.participant_a, c.participant_b, c.listing_id, c.last_message_id, c.is_active,
	       c.created_at, c.updated_at,
	       lm.id, lm.conversation_id, lm.sender_id, lm.receiver_id, lm.content, lm.message_type,
	       lm.related_listing, lm.related_booking, lm.is_read, lm.created_at
	FROM conversations c
	LEFT JOIN messages lm ON lm.id = c.last_message_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// lastMessageColumns holds the LEFT JOINed last message, all nullable.
type lastMessageColumns struct {
	id        sql.NullString
	convID    sql.NullString
	sender    sql.NullString
	receiver  sql.NullString
	content   sql.NullString
	msgType   sql.NullString
	listing   sql.NullString
	booking   sql.NullString
	isRead    sql.NullBool
	createdAt sql.NullTime
}

func (lm *lastMessageColumns) message() *models.Message {
	if !lm.id.Valid {
		return nil
	}
	return &models.Message{
		ID:             lm.id.String,
		ConversationID: lm.convID.String,
		SenderID:       lm.sender.String,
		ReceiverID:     lm.receiver.String,
		Content:        lm.content.String,
		MessageType:    models.MessageType(lm.msgType.String),
		RelatedListing: lm.listing.String,
		RelatedBooking: lm.booking.String,
		IsRead:         lm.isRead.Bool,
		CreatedAt:      lm.createdAt.Time,
	}
}

// scanConversation reads a conversationSelect row, plus a trailing unread
// count when withUnread is set.
func scanConversation(row rowScanner, withUnread bool) (*models.Conversation, int64, error) {
	var conv models.Conversation
	var a, b string
	var lastID sql.NullString
	var lm lastMessageColumns
	var unread int64

	dest := []interface{}{
		&conv.ID, &a, &b, &conv.ListingID, &lastID, &conv.IsActive, &conv.CreatedAt, &conv.UpdatedAt,
		&lm.id, &lm.convID, &lm.sender, &lm.receiver, &lm.content, &lm.msgType,
		&lm.listing, &lm.booking, &lm.isRead, &lm.createdAt,
	}
	if withUnread {
		dest = append(dest, &unread)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	conv.Participants = []string{a, b}
	if lastID.Valid {
		conv.LastMessageID = lastID.String
	}
	conv.LastMessage = lm.message()
	return &conv, unread, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}
