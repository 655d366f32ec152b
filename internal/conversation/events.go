// ABOUTME: Event and wire types carried by the delivery broadcaster
// ABOUTME: Topic naming for message and read-receipt streams

package conversation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// EventType distinguishes the payload carried by an Event.
type EventType string

const (
	EventMessage     EventType = "message"
	EventReadReceipt EventType = "read_receipt"
)

// Topic prefixes. A topic is "<prefix>/<conversationID>".
const (
	messageTopicPrefix = "conversation"
	receiptTopicPrefix = "read-receipt"
)

// MessageView is the wire representation of a persisted message.
type MessageView struct {
	ID                   int64     `json:"id"`
	ConversationID       int64     `json:"conversationId"`
	Content              string    `json:"content"`
	SenderID             int64     `json:"senderId"`
	SenderUsername       string    `json:"senderUsername"`
	SenderProfilePicture string    `json:"senderProfilePicture"`
	IsRead               bool      `json:"isRead"`
	CreatedAt            time.Time `json:"createdAt"`
}

// NewMessageView converts a stored message to its wire form.
func NewMessageView(m *store.Message) *MessageView {
	return &MessageView{
		ID:                   m.ID,
		ConversationID:       m.ConversationID,
		Content:              m.Content,
		SenderID:             m.SenderID,
		SenderUsername:       m.SenderUsername,
		SenderProfilePicture: m.SenderPicture,
		IsRead:               m.IsRead,
		CreatedAt:            m.CreatedAt,
	}
}

func newMessageViews(msgs []*store.Message) []*MessageView {
	views := make([]*MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = NewMessageView(m)
	}
	return views
}

// ReadReceipt announces that one message moved from unread to read.
type ReadReceipt struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
	SenderID       int64 `json:"senderId"`
	ReaderID       int64 `json:"readerId"`
	IsRead         bool  `json:"isRead"`
}

// Event is what subscribers receive. Exactly one of Message or Receipt is set,
// matching Type.
type Event struct {
	Type    EventType    `json:"type"`
	Topic   string       `json:"topic"`
	Message *MessageView `json:"message,omitempty"`
	Receipt *ReadReceipt `json:"receipt,omitempty"`
}

// MessageTopic is the topic new messages of a conversation are published on.
func MessageTopic(conversationID int64) string {
	return fmt.Sprintf("%s/%d", messageTopicPrefix, conversationID)
}

// ReceiptTopic is the topic read receipts of a conversation are published on.
func ReceiptTopic(conversationID int64) string {
	return fmt.Sprintf("%s/%d", receiptTopicPrefix, conversationID)
}

// ParseTopic splits a canonical topic into its event type and conversation id.
func ParseTopic(topic string) (EventType, int64, error) {
	prefix, rawID, ok := strings.Cut(topic, "/")
	if !ok {
		return "", 0, fmt.Errorf("%w: malformed topic %q", ErrInvalidInput, topic)
	}

	var typ EventType
	switch prefix {
	case messageTopicPrefix:
		typ = EventMessage
	case receiptTopicPrefix:
		typ = EventReadReceipt
	default:
		return "", 0, fmt.Errorf("%w: unknown topic %q", ErrInvalidInput, topic)
	}

	// Only the spelling MessageTopic and ReceiptTopic produce is accepted,
	// since subscriptions are keyed by the exact topic string.
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != rawID {
		return "", 0, fmt.Errorf("%w: bad conversation id in topic %q", ErrInvalidInput, topic)
	}
	return typ, id, nil
}
