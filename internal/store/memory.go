// ABOUTME: In-memory Store implementation backed by an arena of conversation records
// ABOUTME: Used by unit tests and by deployments configured with database.path ":memory:"

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// conversationRecord owns a conversation's participants and messages.
// Its mutex serializes appends and read transitions for that conversation only.
type conversationRecord struct {
	mu           sync.Mutex
	conv         Conversation
	participants []*Participant
	messages     []*Message
}

// MemoryStore is an in-memory Store. The store-wide lock guards the arena
// index (users, conversation lookup, direct pairs); message traffic takes only
// the owning record's lock. Lock order is store then record.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[int64]*User
	usernames map[string]int64
	convs     map[int64]*conversationRecord
	direct    map[string]int64 // directKey -> conversation ID

	nextUserID    int64
	nextConvID    int64
	nextMessageID atomic.Int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]*User),
		usernames: make(map[string]int64),
		convs:     make(map[int64]*conversationRecord),
		direct:    make(map[string]int64),
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// CreateUser registers a user. Usernames are unique.
func (m *MemoryStore) CreateUser(ctx context.Context, username, profilePicture string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is empty", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.usernames[username]; taken {
		return nil, ErrDuplicateUsername
	}
	m.nextUserID++
	u := &User{
		ID:             m.nextUserID,
		Username:       username,
		ProfilePicture: profilePicture,
		CreatedAt:      time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.usernames[username] = u.ID

	cp := *u
	return &cp, nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

// ResolveDirect returns or creates the direct conversation for the pair.
// The pair index is checked and written under the store lock.
func (m *MemoryStore) ResolveDirect(ctx context.Context, userA, userB int64) (*Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("%w: direct conversation needs two distinct users", ErrInvalidInput)
	}
	key := directKey(userA, userB)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.direct[key]; ok {
		return m.convs[id].snapshot(), nil
	}

	a, ok := m.users[userA]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userA, ErrNotFound)
	}
	b, ok := m.users[userB]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userB, ErrNotFound)
	}

	rec := m.newRecordLocked(directName(a, b), false, []int64{userA, userB})
	m.direct[key] = rec.conv.ID
	return rec.snapshot(), nil
}

// CreateGroup creates a group conversation with at least two distinct members.
func (m *MemoryStore) CreateGroup(ctx context.Context, name string, memberIDs []int64) (*Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is empty", ErrInvalidInput)
	}
	members := uniqueMembers(memberIDs)
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: group needs at least two members", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range members {
		if _, ok := m.users[id]; !ok {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
	}

	rec := m.newRecordLocked(name, true, members)
	return rec.snapshot(), nil
}

// newRecordLocked adds a conversation record. Must be called with mu held.
func (m *MemoryStore) newRecordLocked(name string, isGroup bool, members []int64) *conversationRecord {
	now := time.Now().UTC()
	m.nextConvID++
	rec := &conversationRecord{
		conv: Conversation{
			ID:        m.nextConvID,
			Name:      name,
			IsGroup:   isGroup,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	for _, uid := range members {
		rec.participants = append(rec.participants, &Participant{
			ConversationID: rec.conv.ID,
			UserID:         uid,
			JoinedAt:       now,
		})
	}
	m.convs[rec.conv.ID] = rec
	return rec
}

func (r *conversationRecord) snapshot() *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.conv
	return &cp
}

// record looks up a conversation record without holding the store lock afterwards.
func (m *MemoryStore) record(id int64) (*conversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	return rec.snapshot(), nil
}

// ListForUser returns the user's conversations, most recently active first.
func (m *MemoryStore) ListForUser(ctx context.Context, userID int64) ([]*Conversation, error) {
	m.mu.RLock()
	var convs []*Conversation
	for _, rec := range m.convs {
		rec.mu.Lock()
		for _, p := range rec.participants {
			if p.UserID == userID {
				cp := rec.conv
				convs = append(convs, &cp)
				break
			}
		}
		rec.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID > convs[j].ID
	})
	return convs, nil
}

// ListParticipants returns the members of a conversation in join order.
func (m *MemoryStore) ListParticipants(ctx context.Context, conversationID int64) ([]*Participant, error) {
	rec, err := m.record(conversationID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	parts := make([]*Participant, len(rec.participants))
	for i, p := range rec.participants {
		cp := *p
		if p.LastReadAt != nil {
			t := *p.LastReadAt
			cp.LastReadAt = &t
		}
		parts[i] = &cp
	}
	rec.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range parts {
		if u, ok := m.users[p.UserID]; ok {
			p.Username = u.Username
			p.ProfilePicture = u.ProfilePicture
		}
	}
	return parts, nil
}

// IsParticipant reports whether the user is a member of the conversation.
func (m *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	rec, err := m.record(conversationID)
	if err != nil {
		return false, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, p := range rec.participants {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// AppendMessage adds a message to the conversation's log and refreshes
// updated_at to the message's created_at under the record lock.
func (m *MemoryStore) AppendMessage(ctx context.Context, senderID, conversationID int64, content string) (*Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	m.mu.RLock()
	sender, ok := m.users[senderID]
	var senderCopy User
	if ok {
		senderCopy = *sender
	}
	rec, found := m.convs[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sender %d: %w", senderID, ErrNotFound)
	}
	if !found {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	createdAt := time.Now().UTC()
	if n := len(rec.messages); n > 0 && rec.messages[n-1].CreatedAt.After(createdAt) {
		createdAt = rec.messages[n-1].CreatedAt
	}
	msg := &Message{
		ID:             m.nextMessageID.Add(1),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      createdAt,
	}
	rec.messages = append(rec.messages, msg)
	rec.conv.UpdatedAt = createdAt

	out := *msg
	out.SenderUsername = senderCopy.Username
	out.SenderPicture = senderCopy.ProfilePicture
	return &out, nil
}

// History returns every message in the conversation, oldest first.
func (m *MemoryStore) History(ctx context.Context, conversationID int64) ([]*Message, error) {
	rec, err := m.record(conversationID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	msgs := copyMessages(rec.messages)
	rec.mu.Unlock()
	return m.withSenders(msgs), nil
}

// LatestMessage returns the newest message in the conversation.
func (m *MemoryStore) LatestMessage(ctx context.Context, conversationID int64) (*Message, error) {
	rec, err := m.record(conversationID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	n := len(rec.messages)
	if n == 0 {
		rec.mu.Unlock()
		return nil, ErrNotFound
	}
	msgs := copyMessages(rec.messages[n-1:])
	rec.mu.Unlock()
	return m.withSenders(msgs)[0], nil
}

// ListMessagesDesc returns a newest-first window of the conversation.
func (m *MemoryStore) ListMessagesDesc(ctx context.Context, q PageQuery) ([]*Message, error) {
	if q.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	rec, err := m.record(q.ConversationID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	// The log is append-only and already in (created_at, id) order, so the
	// window is a slice counted back from the end.
	end := len(rec.messages) - q.Offset
	if q.BeforeID > 0 {
		end = -1
		for i, msg := range rec.messages {
			if msg.ID == q.BeforeID {
				end = i
				break
			}
		}
		if end < 0 {
			rec.mu.Unlock()
			return nil, fmt.Errorf("message %d: %w", q.BeforeID, ErrNotFound)
		}
	}
	if end < 0 {
		end = 0
	}
	start := max(end-q.Limit, 0)
	window := copyMessages(rec.messages[start:end])
	rec.mu.Unlock()

	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return m.withSenders(window), nil
}

// MarkConversationRead flips unread messages authored by others under the
// record lock and returns exactly the flipped set, oldest first.
func (m *MemoryStore) MarkConversationRead(ctx context.Context, conversationID, readerID int64) ([]*Message, error) {
	rec, err := m.record(conversationID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	var marked []*Message
	for _, msg := range rec.messages {
		if msg.SenderID != readerID && !msg.IsRead {
			msg.IsRead = true
			cp := *msg
			marked = append(marked, &cp)
		}
	}
	now := time.Now().UTC()
	for _, p := range rec.participants {
		if p.UserID == readerID {
			p.LastReadAt = &now
		}
	}
	rec.mu.Unlock()

	return m.withSenders(marked), nil
}

// UnreadCount counts messages by others the user has not read yet.
func (m *MemoryStore) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	msgs, err := m.UnreadMessages(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// UnreadMessages lists unread messages authored by others, oldest first.
func (m *MemoryStore) UnreadMessages(ctx context.Context, conversationID, userID int64) ([]*Message, error) {
	rec, err := m.record(conversationID)
	if err != nil {
		return nil, nil
	}

	rec.mu.Lock()
	var unread []*Message
	for _, msg := range rec.messages {
		if msg.SenderID != userID && !msg.IsRead {
			cp := *msg
			unread = append(unread, &cp)
		}
	}
	rec.mu.Unlock()
	return m.withSenders(unread), nil
}

// withSenders stamps sender identity resolved at read time.
func (m *MemoryStore) withSenders(msgs []*Message) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range msgs {
		if u, ok := m.users[msg.SenderID]; ok {
			msg.SenderUsername = u.Username
			msg.SenderPicture = u.ProfilePicture
		}
	}
	return msgs
}

func copyMessages(src []*Message) []*Message {
	out := make([]*Message, len(src))
	for i, msg := range src {
		cp := *msg
		out[i] = &cp
	}
	return out
}
