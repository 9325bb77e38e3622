package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rentease/converse/internal/models"
)

// Type names a realtime event on the wire
type Type string

// Inbound event types
const (
	TypeIdentify          Type = "identify"
	TypeJoinConversation  Type = "join-conversation"
	TypeLeaveConversation Type = "leave-conversation"
	TypeSendMessage       Type = "send-message"
	TypeTypingStart       Type = "typing-start"
	TypeTypingStop        Type = "typing-stop"
	TypeMessagesRead      Type = "messages-read"
)

// ErrInvalidEvent marks a frame that failed decoding or schema validation
var ErrInvalidEvent = errors.New("invalid event")

// Frame is the wire envelope shared by inbound and outbound events
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is one decoded client event. Each variant has a fixed schema.
type Inbound interface {
	EventType() Type
	Validate() error
}

type Identify struct {
	UserID string `json:"user_id"`
}

type JoinConversation struct {
	ConversationID string `json:"conversation_id"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessage carries a draft. ReceiverID and ClientMessageID are advisory;
// the stored message is authoritative.
type SendMessage struct {
	ConversationID  string             `json:"conversation_id"`
	Content         string             `json:"content"`
	ReceiverID      string             `json:"receiver_id,omitempty"`
	MessageType     models.MessageType `json:"message_type,omitempty"`
	RelatedListing  string             `json:"related_listing,omitempty"`
	RelatedBooking  string             `json:"related_booking,omitempty"`
	ClientMessageID string             `json:"client_message_id,omitempty"`
}

type TypingStart struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
}

type TypingStop struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

type MessagesRead struct {
	ConversationID string `json:"conversation_id"`
}

func (Identify) EventType() Type          { return TypeIdentify }
func (JoinConversation) EventType() Type  { return TypeJoinConversation }
func (LeaveConversation) EventType() Type { return TypeLeaveConversation }
func (SendMessage) EventType() Type       { return TypeSendMessage }
func (TypingStart) EventType() Type       { return TypeTypingStart }
func (TypingStop) EventType() Type        { return TypeTypingStop }
func (MessagesRead) EventType() Type      { return TypeMessagesRead }

func (e Identify) Validate() error {
	return required("user_id", e.UserID)
}

func (e JoinConversation) Validate() error {
	return required("conversation_id", e.ConversationID)
}

func (e LeaveConversation) Validate() error {
	return required("conversation_id", e.ConversationID)
}

// Validate checks only the envelope schema. Content rules live in the store
// so HTTP and realtime sends reject the same drafts.
func (e SendMessage) Validate() error {
	return required("conversation_id", e.ConversationID)
}

func (e TypingStart) Validate() error {
	return required("conversation_id", e.ConversationID)
}

func (e TypingStop) Validate() error {
	return required("conversation_id", e.ConversationID)
}

func (e MessagesRead) Validate() error {
	return required("conversation_id", e.ConversationID)
}

// DecodeError reports a rejected frame along with the event it claimed to be.
type DecodeError struct {
	Event Type
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses and validates one inbound frame.
func Decode(raw []byte) (Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: malformed frame", ErrInvalidEvent)}
	}

	var evt Inbound
	switch frame.Type {
	case TypeIdentify:
		evt = decodeInto[Identify](frame.Data)
	case TypeJoinConversation:
		evt = decodeInto[JoinConversation](frame.Data)
	case TypeLeaveConversation:
		evt = decodeInto[LeaveConversation](frame.Data)
	case TypeSendMessage:
		evt = decodeInto[SendMessage](frame.Data)
	case TypeTypingStart:
		evt = decodeInto[TypingStart](frame.Data)
	case TypeTypingStop:
		evt = decodeInto[TypingStop](frame.Data)
	case TypeMessagesRead:
		evt = decodeInto[MessagesRead](frame.Data)
	default:
		return nil, &DecodeError{Event: frame.Type, Err: fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, frame.Type)}
	}

	if evt == nil {
		return nil, &DecodeError{Event: frame.Type, Err: fmt.Errorf("%w: malformed payload", ErrInvalidEvent)}
	}
	if err := evt.Validate(); err != nil {
		return nil, &DecodeError{Event: frame.Type, Err: err}
	}
	return evt, nil
}

// decodeInto returns nil when data does not fit T.
func decodeInto[T Inbound](data json.RawMessage) Inbound {
	var v T
	if len(data) == 0 {
		return v
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidEvent, field)
	}
	return nil
}
