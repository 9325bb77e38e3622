package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rentease/converse/internal/logger"
	"github.com/rentease/converse/internal/models"
)

var log = logger.New("database")

type conversationDoc struct {
	ID            primitive.ObjectID  `bson:"_id,omitempty"`
	Participants  []string            `bson:"participants"`
	PairKey       string              `bson:"pair_key"`
	ListingID     string              `bson:"listing_id"`
	LastMessageID *primitive.ObjectID `bson:"last_message_id,omitempty"`
	IsActive      bool                `bson:"is_active"`
	CreatedAt     time.Time           `bson:"created_at"`
	UpdatedAt     time.Time           `bson:"updated_at"`
}

type messageDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `bson:"conversation_id"`
	SenderID       string             `bson:"sender_id"`
	ReceiverID     string             `bson:"receiver_id"`
	Content        string             `bson:"content"`
	MessageType    string             `bson:"message_type"`
	RelatedListing string             `bson:"related_listing,omitempty"`
	RelatedBooking string             `bson:"related_booking,omitempty"`
	IsRead         bool               `bson:"is_read"`
	CreatedAt      time.Time          `bson:"created_at"`
}

func (d *messageDoc) toModel() *models.Message {
	return &models.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID.Hex(),
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		MessageType:    models.MessageType(d.MessageType),
		RelatedListing: d.RelatedListing,
		RelatedBooking: d.RelatedBooking,
		IsRead:         d.IsRead,
		CreatedAt:      d.CreatedAt,
	}
}

func (d *conversationDoc) toModel() *models.Conversation {
	conv := &models.Conversation{
		ID:           d.ID.Hex(),
		Participants: append([]string(nil), d.Participants...),
		ListingID:    d.ListingID,
		IsActive:     d.IsActive,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.LastMessageID != nil {
		conv.LastMessageID = d.LastMessageID.Hex()
	}
	return conv
}

// MongoDB stores conversations and messages as documents, mirroring the
// marketplace's document database.
type MongoDB struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	now           func() time.Time
}

// NewMongoDB connects, pings and ensures indexes.
func NewMongoDB(ctx context.Context, uri, database string) (*MongoDB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(uri).SetRetryWrites(true)
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	store := newMongoStore(client.Database(database))
	if err := store.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func newMongoStore(db *mongo.Database) *MongoDB {
	return &MongoDB{
		client:        db.Client(),
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		// BSON dates carry millisecond precision.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// EnsureIndexes creates the uniqueness and lookup indexes.
func (db *MongoDB) EnsureIndexes(ctx context.Context) error {
	_, err := db.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "pair_key", Value: 1}, {Key: "listing_id", Value: 1}},
			Options: options.Index().
				SetName("active_pair_listing").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"is_active": true}),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = db.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "is_read", Value: 1}}},
	})
	return err
}

func (db *MongoDB) FindOrCreateConversation(ctx context.Context, userA, userB, listingID string) (*models.Conversation, error) {
	pair, err := participantPair(userA, userB)
	if err != nil {
		return nil, err
	}
	listingID = strings.TrimSpace(listingID)
	now := db.now()

	filter := bson.M{"pair_key": pairKey(pair), "listing_id": listingID, "is_active": true}
	update := bson.M{"$setOnInsert": bson.M{
		"participants": []string{pair[0], pair[1]},
		"created_at":   now,
		"updated_at":   now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc conversationDoc
	err = db.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent upsert won the unique index; read its document.
		err = db.conversations.FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		return nil, err
	}
	return db.withLastMessage(ctx, doc.toModel())
}

func (db *MongoDB) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	doc, err := db.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return db.withLastMessage(ctx, doc.toModel())
}

func (db *MongoDB) DeactivateConversation(ctx context.Context, conversationID, actorID string) error {
	doc, err := db.findConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !doc.toModel().HasParticipant(actorID) {
		return forbidden("user %s is not a participant of conversation %s", actorID, conversationID)
	}
	_, err = db.conversations.UpdateOne(ctx,
		bson.M{"_id": doc.ID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": db.now()}},
	)
	return err
}

// summaryDoc is one row of the conversation list aggregation
type summaryDoc struct {
	Conversation conversationDoc `bson:",inline"`
	Last         *messageDoc     `bson:"last,omitempty"`
	UnreadCount  int64           `bson:"unread_count"`
}

// ListConversationsForUser builds the whole list in one aggregation: the
// newest message and the caller's unread count are joined per conversation.
func (db *MongoDB) ListConversationsForUser(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	cur, err := db.conversations.Aggregate(ctx, summaryPipeline(db.messages.Name(), userID))
	if err != nil {
		return nil, err
	}
	var docs []summaryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]*models.ConversationSummary, 0, len(docs))
	for i := range docs {
		conv := docs[i].Conversation.toModel()
		if last := docs[i].Last; last != nil {
			conv.LastMessageID = last.ID.Hex()
			conv.LastMessage = last.toModel()
			if last.CreatedAt.After(conv.UpdatedAt) {
				conv.UpdatedAt = last.CreatedAt
			}
		}
		out = append(out, &models.ConversationSummary{Conversation: *conv, UnreadCount: docs[i].UnreadCount})
	}
	return out, nil
}

func summaryPipeline(messages, userID string) mongo.Pipeline {
	newest := bson.A{
		bson.M{"$match": bson.M{"$expr": bson.M{"$eq": bson.A{"$conversation_id", "$$cid"}}}},
		bson.M{"$sort": bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		bson.M{"$limit": 1},
	}
	unread := bson.A{
		bson.M{"$match": bson.M{"$expr": bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{"$conversation_id", "$$cid"}},
			bson.M{"$eq": bson.A{"$receiver_id", userID}},
			bson.M{"$eq": bson.A{"$is_read", false}},
		}}}},
		bson.M{"$count": "n"},
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"participants": userID, "is_active": true}}},
		{{Key: "$lookup", Value: bson.M{"from": messages, "let": bson.M{"cid": "$_id"}, "pipeline": newest, "as": "last"}}},
		{{Key: "$lookup", Value: bson.M{"from": messages, "let": bson.M{"cid": "$_id"}, "pipeline": unread, "as": "unread"}}},
		{{Key: "$addFields", Value: bson.M{
			"last":         bson.M{"$arrayElemAt": bson.A{"$last", 0}},
			"unread_count": bson.M{"$ifNull": bson.A{bson.M{"$arrayElemAt": bson.A{"$unread.n", 0}}, 0}},
			"activity":     bson.M{"$max": bson.A{"$updated_at", bson.M{"$arrayElemAt": bson.A{"$last.created_at", 0}}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "activity", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$project", Value: bson.M{"unread": 0, "activity": 0}}},
	}
}

func (db *MongoDB) AppendMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	in, err := prepareMessage(in)
	if err != nil {
		return nil, err
	}
	doc, err := db.findConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !doc.IsActive {
		return nil, notFound("conversation %s", in.ConversationID)
	}
	receiver, err := resolveReceiver(doc.toModel(), in.SenderID)
	if err != nil {
		return nil, err
	}

	msg := messageDoc{
		ID:             primitive.NewObjectID(),
		ConversationID: doc.ID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Content:        in.Content,
		MessageType:    string(in.MessageType),
		RelatedListing: in.RelatedListing,
		RelatedBooking: in.RelatedBooking,
		CreatedAt:      db.now(),
	}
	// The insert is the commit point. Reads derive the last message and the
	// conversation's activity from the messages collection, so the pointer
	// below only has to be eventually right.
	if _, err := db.messages.InsertOne(ctx, msg); err != nil {
		return nil, err
	}

	// Only move the pointer forward; a slower concurrent append must not overwrite a newer one.
	_, err = db.conversations.UpdateOne(ctx,
		bson.M{"_id": doc.ID, "updated_at": bson.M{"$lte": msg.CreatedAt}},
		bson.M{"$set": bson.M{"last_message_id": msg.ID, "updated_at": msg.CreatedAt}},
	)
	if err != nil {
		log.Warn("Message %s stored but conversation %s pointer not updated: %v", msg.ID.Hex(), doc.ID.Hex(), err)
	}
	return msg.toModel(), nil
}

func (db *MongoDB) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	doc, err := db.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	cur, err := db.messages.Find(ctx,
		bson.M{"conversation_id": doc.ID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var messages []*models.Message
	for cur.Next(ctx) {
		var m messageDoc
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		messages = append(messages, m.toModel())
	}
	return messages, cur.Err()
}

func (db *MongoDB) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	doc, err := db.findConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	res, err := db.messages.UpdateMany(ctx,
		bson.M{"conversation_id": doc.ID, "receiver_id": readerID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (db *MongoDB) MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(messageID))
	if err != nil {
		return nil, invalid("malformed message id %q", messageID)
	}
	var m messageDoc
	err = db.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("message %s", messageID)
	}
	if err != nil {
		return nil, err
	}
	if m.ReceiverID != readerID {
		return nil, forbidden("only the receiver can acknowledge message %s", messageID)
	}
	if !m.IsRead {
		if _, err := db.messages.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"is_read": true}}); err != nil {
			return nil, err
		}
		m.IsRead = true
	}
	return m.toModel(), nil
}

func (db *MongoDB) Ping(ctx context.Context) error {
	return db.client.Ping(ctx, nil)
}

func (db *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.client.Disconnect(ctx)
}

func (db *MongoDB) findConversation(ctx context.Context, conversationID string) (*conversationDoc, error) {
	oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(conversationID))
	if err != nil {
		return nil, invalid("malformed conversation id %q", conversationID)
	}
	var doc conversationDoc
	err = db.conversations.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("conversation %s", conversationID)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// withLastMessage resolves the newest message of conv from the messages
// collection, so a missed pointer update never hides it.
func (db *MongoDB) withLastMessage(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	oid, err := primitive.ObjectIDFromHex(conv.ID)
	if err != nil {
		return conv, nil
	}
	var m messageDoc
	err = db.messages.FindOne(ctx,
		bson.M{"conversation_id": oid},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return conv, nil
	}
	if err != nil {
		return nil, err
	}
	conv.LastMessageID = m.ID.Hex()
	conv.LastMessage = m.toModel()
	if m.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = m.CreatedAt
	}
	return conv, nil
}
