package broker

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/rentease/converse/internal/logger"
	"github.com/rentease/converse/internal/models"
)

var log = logger.New("broker")

// MessageSentEvent is the domain event published after a message is stored
type MessageSentEvent struct {
	MessageID      string             `json:"message_id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	ReceiverID     string             `json:"receiver_id"`
	MessageType    models.MessageType `json:"message_type"`
	CreatedAt      time.Time          `json:"created_at"`
}

func NewMessageSentEvent(m *models.Message) MessageSentEvent {
	return MessageSentEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		MessageType:    m.MessageType,
		CreatedAt:      m.CreatedAt,
	}
}

// Publisher emits message.sent events to downstream consumers
type Publisher interface {
	PublishMessageSent(ctx context.Context, evt MessageSentEvent) error
	Close() error
}

// messageWriter is the subset of *kafkago.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	log.Info("Publishing message.sent to topic %s on %v", topic, brokers)
	return &Producer{writer: w, topic: topic}
}

// PublishMessageSent keys by conversation so one conversation stays on one partition.
func (p *Producer) PublishMessageSent(ctx context.Context, evt MessageSentEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(evt.ConversationID),
		Value: b,
		Time:  evt.CreatedAt,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// NopPublisher is used when no brokers are configured
type NopPublisher struct{}

func (NopPublisher) PublishMessageSent(context.Context, MessageSentEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
