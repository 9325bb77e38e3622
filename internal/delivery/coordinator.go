package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rentease/converse/internal/broker"
	"github.com/rentease/converse/internal/database"
	"github.com/rentease/converse/internal/events"
	"github.com/rentease/converse/internal/logger"
	"github.com/rentease/converse/internal/metrics"
	"github.com/rentease/converse/internal/models"
	"github.com/rentease/converse/internal/registry"
)

var log = logger.New("delivery")

const defaultPublishTimeout = 5 * time.Second

// SendRequest is a draft from either the socket or HTTP. SenderConnID is
// empty for HTTP sends.
type SendRequest struct {
	ConversationID string
	SenderID       string
	SenderConnID   string
	Content        string
	MessageType    models.MessageType
	RelatedListing string
	RelatedBooking string
	// ReceiverHint is what the client believed the receiver to be.
	ReceiverHint string
}

// Report describes one completed send
type Report struct {
	Message   *models.Message
	Delivered int
	Notified  int
	Failed    int
}

// Coordinator persists messages and fans them out to live connections.
type Coordinator struct {
	store          database.ConversationStore
	registry       *registry.Registry
	publisher      broker.Publisher
	metrics        *metrics.Metrics
	publishTimeout time.Duration
	wg             sync.WaitGroup
}

type Option func(*Coordinator)

func WithPublisher(p broker.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(store database.ConversationStore, reg *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		registry:       reg,
		publisher:      broker.NopPublisher{},
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send stores the draft, then delivers new-message to every focused
// connection and message-notification to the receiver's unfocused ones.
// The sending connection gets neither. Per-target failures are counted,
// not returned.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (*Report, error) {
	msg, err := c.store.AppendMessage(ctx, models.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		RelatedListing: req.RelatedListing,
		RelatedBooking: req.RelatedBooking,
	})
	if err != nil {
		c.metrics.SendRejected(ErrorCode(err))
		return nil, err
	}
	c.metrics.MessagePersisted()

	if req.ReceiverHint != "" && req.ReceiverHint != msg.ReceiverID {
		log.Warn("Client named receiver %s for conversation %s, stored receiver is %s",
			req.ReceiverHint, msg.ConversationID, msg.ReceiverID)
	}

	report := &Report{Message: msg}

	full, err := events.NewMessage(msg).Encode()
	if err != nil {
		log.Error("Failed to encode message %s: %v", msg.ID, err)
		return report, nil
	}
	note, err := events.MessageNotification(msg.Summary()).Encode()
	if err != nil {
		log.Error("Failed to encode notification for %s: %v", msg.ID, err)
		return report, nil
	}

	focused := c.registry.FocusedConnections(msg.ConversationID)
	focusedIDs := make(map[string]struct{}, len(focused))
	for _, conn := range focused {
		focusedIDs[conn.ID] = struct{}{}
		if conn.ID == req.SenderConnID {
			continue
		}
		if c.deliver(conn, events.TypeNewMessage, full) {
			report.Delivered++
		} else {
			report.Failed++
		}
	}

	for _, conn := range c.registry.ConnectionsFor(msg.ReceiverID) {
		if conn.ID == req.SenderConnID {
			continue
		}
		if _, ok := focusedIDs[conn.ID]; ok {
			continue
		}
		if c.deliver(conn, events.TypeMessageNotification, note) {
			report.Notified++
		} else {
			report.Failed++
		}
	}

	log.Debug("Message %s in conversation %s: %d delivered, %d notified, %d failed",
		msg.ID, msg.ConversationID, report.Delivered, report.Notified, report.Failed)

	c.publish(msg)
	return report, nil
}

// MarkRead flips every message addressed to readerID and, when anything
// changed, tells the other focused connections.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID, readerID, readerConnID string) (int64, error) {
	conv, err := c.Authorize(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return c.markRead(ctx, conv.ID, readerID, readerConnID)
}

// History returns the ordered messages of a conversation the reader belongs
// to and marks those addressed to the reader as read.
func (c *Coordinator) History(ctx context.Context, conversationID, readerID string) ([]*models.Message, error) {
	conv, err := c.Authorize(ctx, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	msgs, err := c.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if _, err := c.markRead(ctx, conv.ID, readerID, ""); err != nil {
		log.Warn("Failed to mark conversation %s read for %s: %v", conversationID, readerID, err)
	}
	return msgs, nil
}

// Broadcast sends evt to the conversation's focused connections, minus
// those skip matches. It returns how many were reached.
func (c *Coordinator) Broadcast(conversationID string, evt events.Outbound, skip func(registry.Connection) bool) int {
	payload, err := evt.Encode()
	if err != nil {
		log.Error("Failed to encode %s: %v", evt.Type, err)
		return 0
	}
	reached := 0
	for _, conn := range c.registry.FocusedConnections(conversationID) {
		if skip != nil && skip(conn) {
			continue
		}
		if c.deliver(conn, evt.Type, payload) {
			reached++
		}
	}
	return reached
}

// Wait blocks until in-flight broker publishes finish
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Authorize loads the conversation and requires userID to be a participant
func (c *Coordinator) Authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: user %s is not a participant of conversation %s", database.ErrForbidden, userID, conversationID)
	}
	return conv, nil
}

func (c *Coordinator) markRead(ctx context.Context, conversationID, readerID, readerConnID string) (int64, error) {
	n, err := c.store.MarkRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.Broadcast(conversationID, events.MessagesMarkedRead(conversationID, readerID, n), func(conn registry.Connection) bool {
			return conn.ID == readerConnID
		})
	}
	return n, nil
}

func (c *Coordinator) deliver(conn registry.Connection, event events.Type, payload []byte) bool {
	if err := conn.Send(payload); err != nil {
		log.Debug("Dropped %s for connection %s (user %s): %v", event, conn.ID, conn.UserID, err)
		c.metrics.DeliveryFailed(err)
		return false
	}
	c.metrics.Delivered(string(event))
	return true
}

// publish runs off the caller's path; the message is already stored.
func (c *Coordinator) publish(msg *models.Message) {
	evt := broker.NewMessageSentEvent(msg)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
		defer cancel()
		if err := c.publisher.PublishMessageSent(ctx, evt); err != nil {
			log.Warn("Failed to publish message.sent for %s: %v", evt.MessageID, err)
			c.metrics.PublishFailed()
		}
	}()
}

// ErrorCode maps a store error onto the realtime error codes
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, database.ErrInvalidArgument):
		return events.CodeInvalidArgument
	case errors.Is(err, database.ErrForbidden):
		return events.CodeForbidden
	case errors.Is(err, database.ErrNotFound):
		return events.CodeNotFound
	default:
		return events.CodeInternal
	}
}
