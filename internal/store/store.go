// ABOUTME: Store interfaces and data types for coven-chat persistence
// ABOUTME: Defines User, Conversation, Participant, Message and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidInput is returned when an operation's arguments are rejected before persistence
var ErrInvalidInput = errors.New("invalid input")

// ErrDuplicateUsername is returned when creating a user whose username is taken
var ErrDuplicateUsername = errors.New("username already exists")

// timeLayout is fixed-width so that lexical order of stored values is chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// User is the identity a message or receipt is stamped with.
// Its lifecycle is independent of conversations.
type User struct {
	ID             int64
	Username       string
	ProfilePicture string
	CreatedAt      time.Time
}

// Conversation is a direct or group thread with a fixed participant set.
type Conversation struct {
	ID        int64
	Name      string
	IsGroup   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participant links a user to a conversation
type Participant struct {
	ConversationID int64
	UserID         int64
	Username       string
	ProfilePicture string
	JoinedAt       time.Time
	LastReadAt     *time.Time
}

// Message is a single entry in a conversation's append-only log.
// SenderUsername and SenderPicture are resolved from the users table on read.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderUsername string
	SenderPicture  string
	Content        string
	CreatedAt      time.Time
	IsRead         bool
}

// PageQuery selects a newest-first window of a conversation's messages.
// When BeforeID is set the window starts strictly below that message and
// Offset is ignored.
type PageQuery struct {
	ConversationID int64
	Offset         int
	Limit          int
	BeforeID       int64
}

// UserStore is the user lookup collaborator.
type UserStore interface {
	CreateUser(ctx context.Context, username, profilePicture string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// ConversationStore holds conversations and their participant sets.
type ConversationStore interface {
	ResolveDirect(ctx context.Context, userA, userB int64) (*Conversation, error)
	CreateGroup(ctx context.Context, name string, memberIDs []int64) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]*Conversation, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]*Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

// MessageStore is the per-conversation message log, including read state.
type MessageStore interface {
	AppendMessage(ctx context.Context, senderID, conversationID int64, content string) (*Message, error)
	History(ctx context.Context, conversationID int64) ([]*Message, error)
	LatestMessage(ctx context.Context, conversationID int64) (*Message, error)

	// ListMessagesDesc returns up to q.Limit messages newest first.
	ListMessagesDesc(ctx context.Context, q PageQuery) ([]*Message, error)

	// MarkConversationRead flips every unread message authored by someone
	// other than readerID and returns exactly the flipped set, oldest first.
	MarkConversationRead(ctx context.Context, conversationID, readerID int64) ([]*Message, error)
	UnreadCount(ctx context.Context, conversationID, userID int64) (int, error)
	UnreadMessages(ctx context.Context, conversationID, userID int64) ([]*Message, error)
}

// Store is everything the chat service persists.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}

// ValidateContent rejects empty or whitespace-only message content.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	}
	return nil
}

// directKey identifies the unordered pair of a direct conversation.
func directKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// directName is the stored fallback name of a direct conversation.
func directName(a, b *User) string {
	return a.Username + " & " + b.Username
}

// uniqueMembers drops duplicates while keeping the first occurrence order.
func uniqueMembers(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
