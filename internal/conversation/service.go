// ABOUTME: Messaging facade shared by the HTTP API and the websocket surface
// ABOUTME: Enforces participant authorization, persists before broadcasting, emits read receipts

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/store"
)

// ErrUnauthorized is returned when there is no session identity.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotParticipant is returned when the caller is authenticated but not a
// member of the conversation. It matches ErrUnauthorized under errors.Is.
var ErrNotParticipant = fmt.Errorf("%w: not a participant", ErrUnauthorized)

// Store errors are re-exported so callers need not import store.
var (
	ErrNotFound     = store.ErrNotFound
	ErrInvalidInput = store.ErrInvalidInput
)

// Store defines what the service needs from storage.
type Store interface {
	MessagePager

	ResolveDirect(ctx context.Context, userA, userB int64) (*store.Conversation, error)
	CreateGroup(ctx context.Context, name string, memberIDs []int64) (*store.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]*store.Conversation, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]*store.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)

	AppendMessage(ctx context.Context, senderID, conversationID int64, content string) (*store.Message, error)
	LatestMessage(ctx context.Context, conversationID int64) (*store.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID int64) ([]*store.Message, error)
	UnreadCount(ctx context.Context, conversationID, userID int64) (int, error)
}

// Publisher defines what the service needs from the delivery layer.
// Both methods must return without waiting on subscribers.
type Publisher interface {
	PublishMessage(conversationID int64, msg *MessageView)
	PublishReadReceipt(conversationID int64, receipt ReadReceipt)
}

// Service is the single entry point for messaging operations. Every method
// reads the caller from auth.FromContext.
type Service struct {
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a messaging Service. m may be nil.
func New(store Store, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With("component", "conversation"),
	}
}

// ParticipantView is a conversation member as shown to clients.
type ParticipantView struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	ProfilePicture string     `json:"profilePicture,omitempty"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
}

// ConversationView is a conversation as seen by one viewer.
type ConversationView struct {
	ID           int64              `json:"id"`
	Name         string             `json:"name"`
	IsGroup      bool               `json:"isGroup"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	Participants []*ParticipantView `json:"participants"`
	LastMessage  *MessageView       `json:"lastMessage,omitempty"`
	UnreadCount  int                `json:"unreadCount"`
}

// DisplayName resolves the name a viewer sees. Groups show their stored name;
// direct conversations show the other participant's current username.
func DisplayName(conv *store.Conversation, participants []*store.Participant, viewerID int64) string {
	if conv.IsGroup {
		return conv.Name
	}
	for _, p := range otherParticipants(participants, viewerID) {
		if p.Username != "" {
			return p.Username
		}
	}
	return conv.Name
}

func otherParticipants(participants []*store.Participant, userID int64) []*store.Participant {
	others := make([]*store.Participant, 0, len(participants))
	for _, p := range participants {
		if p.UserID != userID {
			others = append(others, p)
		}
	}
	return others
}

func identity(ctx context.Context) (*auth.AuthContext, error) {
	id := auth.FromContext(ctx)
	if id == nil {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// authorize resolves the caller and checks membership of conversationID.
func (s *Service) authorize(ctx context.Context, conversationID int64) (*auth.AuthContext, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, err)
	}

	ok, err := s.store.IsParticipant(ctx, conversationID, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking participant: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotParticipant)
	}
	return id, nil
}

// Authorize reports whether the caller may read conversationID. The
// websocket transport calls it before subscribing to a topic.
func (s *Service) Authorize(ctx context.Context, conversationID int64) error {
	_, err := s.authorize(ctx, conversationID)
	return err
}

// SendMessage persists a message from the caller and then queues it for
// live delivery. Delivery problems never fail the call.
func (s *Service) SendMessage(ctx context.Context, conversationID int64, content string) (*MessageView, error) {
	id, err := s.authorize(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := store.ValidateContent(content); err != nil {
		return nil, err
	}

	msg, err := s.store.AppendMessage(ctx, id.UserID, conversationID, content)
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	s.metrics.MessagePersisted()

	view := NewMessageView(msg)
	s.publisher.PublishMessage(conversationID, view)

	s.logger.Debug("message sent",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender_id", id.UserID)

	return view, nil
}

// History returns one chronological page of the conversation.
func (s *Service) History(ctx context.Context, conversationID int64, page, size int, beforeID int64) (*PageResult, error) {
	if _, err := s.authorize(ctx, conversationID); err != nil {
		return nil, err
	}
	return FetchPage(ctx, s.store, PageRequest{
		ConversationID: conversationID,
		Page:           page,
		Size:           size,
		BeforeID:       beforeID,
	})
}

// MarkRead marks every unread message from other participants as read and
// publishes one receipt per message that changed state. Returns the number
// of messages marked.
func (s *Service) MarkRead(ctx context.Context, conversationID int64) (int, error) {
	id, err := s.authorize(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	marked, err := s.store.MarkConversationRead(ctx, conversationID, id.UserID)
	if err != nil {
		return 0, fmt.Errorf("marking read: %w", err)
	}

	for _, msg := range marked {
		s.publisher.PublishReadReceipt(conversationID, ReadReceipt{
			MessageID:      msg.ID,
			ConversationID: conversationID,
			SenderID:       msg.SenderID,
			ReaderID:       id.UserID,
			IsRead:         true,
		})
	}
	s.metrics.ReceiptsEmitted(len(marked))

	if len(marked) > 0 {
		s.logger.Debug("marked read",
			"conversation_id", conversationID,
			"reader_id", id.UserID,
			"count", len(marked))
	}
	return len(marked), nil
}

// UnreadCount counts messages from other participants the caller has not read.
func (s *Service) UnreadCount(ctx context.Context, conversationID int64) (int, error) {
	id, err := s.authorize(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.UnreadCount(ctx, conversationID, id.UserID)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// ResolveDirect returns the direct conversation between the caller and
// otherUserID, creating it on first use.
func (s *Service) ResolveDirect(ctx context.Context, otherUserID int64) (*ConversationView, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.ResolveDirect(ctx, id.UserID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("resolving direct conversation: %w", err)
	}
	return s.view(ctx, conv, id.UserID)
}

// CreateGroup creates a group containing the caller and memberIDs.
func (s *Service) CreateGroup(ctx context.Context, name string, memberIDs []int64) (*ConversationView, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	members := append([]int64{id.UserID}, memberIDs...)
	conv, err := s.store.CreateGroup(ctx, name, members)
	if err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}

	s.logger.Info("group created", "conversation_id", conv.ID, "creator_id", id.UserID)
	return s.view(ctx, conv, id.UserID)
}

// ListConversations returns the caller's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context) ([]*ConversationView, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	convs, err := s.store.ListForUser(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	views := make([]*ConversationView, 0, len(convs))
	for _, conv := range convs {
		v, err := s.view(ctx, conv, id.UserID)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) view(ctx context.Context, conv *store.Conversation, viewerID int64) (*ConversationView, error) {
	participants, err := s.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}

	v := &ConversationView{
		ID:           conv.ID,
		Name:         DisplayName(conv, participants, viewerID),
		IsGroup:      conv.IsGroup,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
		Participants: make([]*ParticipantView, len(participants)),
	}
	for i, p := range participants {
		v.Participants[i] = &ParticipantView{
			ID:             p.UserID,
			Username:       p.Username,
			ProfilePicture: p.ProfilePicture,
			LastReadAt:     p.LastReadAt,
		}
	}

	last, err := s.store.LatestMessage(ctx, conv.ID)
	switch {
	case err == nil:
		v.LastMessage = NewMessageView(last)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("latest message: %w", err)
	}

	if v.UnreadCount, err = s.store.UnreadCount(ctx, conv.ID, viewerID); err != nil {
		return nil, fmt.Errorf("counting unread: %w", err)
	}
	return v, nil
}
