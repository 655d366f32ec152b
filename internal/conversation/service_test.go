// ABOUTME: Tests for the messaging facade
// ABOUTME: Covers authorization, persist-then-publish, receipts and conversation views

package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/store"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*MessageView
	receipts []ReadReceipt
}

func (p *recordingPublisher) PublishMessage(conversationID int64, msg *MessageView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) PublishReadReceipt(conversationID int64, receipt ReadReceipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, receipt)
}

func as(ctx context.Context, u *store.User) context.Context {
	return auth.WithAuth(ctx, &auth.AuthContext{UserID: u.ID, Username: u.Username})
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	return New(st, pub, nil, nil), st, pub
}

func TestService_SendMessage(t *testing.T) {
	svc, st, pub := newTestService(t)
	convID, alice, _ := seedConversation(t, st, 0)
	ctx := as(t.Context(), alice)

	before, err := st.GetConversation(ctx, convID)
	require.NoError(t, err)

	msg, err := svc.SendMessage(ctx, convID, "hello bob")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "hello bob", msg.Content)
	assert.Equal(t, alice.ID, msg.SenderID)
	assert.Equal(t, "alice", msg.SenderUsername)
	assert.False(t, msg.IsRead)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, msg.ID, pub.messages[0].ID)

	after, err := st.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.Equal(msg.CreatedAt))
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
}

func TestService_SendMessage_Rejections(t *testing.T) {
	svc, st, pub := newTestService(t)
	convID, alice, _ := seedConversation(t, st, 0)
	mallory, err := st.CreateUser(t.Context(), "mallory", "")
	require.NoError(t, err)

	_, err = svc.SendMessage(t.Context(), convID, "no session")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.SendMessage(as(t.Context(), mallory), convID, "intruder")
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.SendMessage(as(t.Context(), alice), 999, "nowhere")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.SendMessage(as(t.Context(), alice), convID, "  \n\t ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, pub.messages, "rejected sends must not publish")

	history, err := st.History(t.Context(), convID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_MarkRead_EmitsOneReceiptPerMessage(t *testing.T) {
	svc, st, pub := newTestService(t)
	convID, alice, bob := seedConversation(t, st, 0)

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.SendMessage(as(t.Context(), alice), convID, text)
		require.NoError(t, err)
	}

	bobCtx := as(t.Context(), bob)
	unread, err := svc.UnreadCount(bobCtx, convID)
	require.NoError(t, err)
	assert.Equal(t, 3, unread)

	// Alice's own messages are never unread for her
	unread, err = svc.UnreadCount(as(t.Context(), alice), convID)
	require.NoError(t, err)
	assert.Equal(t, 0, unread)

	marked, err := svc.MarkRead(bobCtx, convID)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	require.Len(t, pub.receipts, 3)
	for i, r := range pub.receipts {
		assert.Equal(t, pub.messages[i].ID, r.MessageID)
		assert.Equal(t, convID, r.ConversationID)
		assert.Equal(t, alice.ID, r.SenderID)
		assert.Equal(t, bob.ID, r.ReaderID)
		assert.True(t, r.IsRead)
	}

	again, err := svc.MarkRead(bobCtx, convID)
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Len(t, pub.receipts, 3)

	unread, err = svc.UnreadCount(bobCtx, convID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestService_MarkRead_ConcurrentCallersEmitOnce(t *testing.T) {
	svc, st, pub := newTestService(t)
	convID, alice, bob := seedConversation(t, st, 0)
	for range 10 {
		_, err := svc.SendMessage(as(t.Context(), alice), convID, "ping")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := svc.MarkRead(as(t.Context(), bob), convID)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Len(t, pub.receipts, 10)
}

func TestService_History(t *testing.T) {
	svc, st, _ := newTestService(t)
	convID, alice, _ := seedConversation(t, st, 5)
	mallory, err := st.CreateUser(t.Context(), "mallory", "")
	require.NoError(t, err)

	page, err := svc.History(as(t.Context(), alice), convID, 0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m5"}, contents(page.Messages))
	assert.True(t, page.HasMore)

	_, err = svc.History(as(t.Context(), mallory), convID, 0, 2, 0)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.History(as(t.Context(), alice), convID, 0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_ResolveDirect(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := t.Context()
	alice, err := st.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", "https://example.com/bob.png")
	require.NoError(t, err)

	first, err := svc.ResolveDirect(as(ctx, alice), bob.ID)
	require.NoError(t, err)
	second, err := svc.ResolveDirect(as(ctx, bob), alice.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.False(t, first.IsGroup)
	assert.Equal(t, "bob", first.Name, "direct conversations are named after the other participant")
	assert.Equal(t, "alice", second.Name)
	assert.Len(t, first.Participants, 2)

	_, err = svc.ResolveDirect(as(ctx, alice), alice.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.ResolveDirect(as(ctx, alice), 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ResolveDirect(ctx, bob.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_CreateGroup(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := t.Context()
	alice, err := st.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", "")
	require.NoError(t, err)
	carol, err := st.CreateUser(ctx, "carol", "")
	require.NoError(t, err)

	group, err := svc.CreateGroup(as(ctx, alice), "planning", []int64{bob.ID, carol.ID, bob.ID})
	require.NoError(t, err)
	assert.True(t, group.IsGroup)
	assert.Equal(t, "planning", group.Name)
	assert.Len(t, group.Participants, 3)

	_, err = svc.CreateGroup(as(ctx, alice), "solo", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CreateGroup(as(ctx, alice), "", []int64{bob.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_ListConversations(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := t.Context()
	alice, err := st.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", "")
	require.NoError(t, err)
	carol, err := st.CreateUser(ctx, "carol", "")
	require.NoError(t, err)

	withBob, err := svc.ResolveDirect(as(ctx, alice), bob.ID)
	require.NoError(t, err)
	withCarol, err := svc.ResolveDirect(as(ctx, alice), carol.ID)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = svc.SendMessage(as(ctx, bob), withBob.ID, "most recent")
	require.NoError(t, err)

	list, err := svc.ListConversations(as(ctx, alice))
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, withBob.ID, list[0].ID)
	assert.Equal(t, "bob", list[0].Name)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "most recent", list[0].LastMessage.Content)
	assert.Equal(t, 1, list[0].UnreadCount)

	assert.Equal(t, withCarol.ID, list[1].ID)
	assert.Nil(t, list[1].LastMessage)
	assert.Zero(t, list[1].UnreadCount)

	_, err = svc.ListConversations(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_Authorize(t *testing.T) {
	svc, st, _ := newTestService(t)
	convID, alice, _ := seedConversation(t, st, 0)
	mallory, err := st.CreateUser(t.Context(), "mallory", "")
	require.NoError(t, err)

	assert.NoError(t, svc.Authorize(as(t.Context(), alice), convID))
	assert.ErrorIs(t, svc.Authorize(as(t.Context(), mallory), convID), ErrNotParticipant)
	assert.ErrorIs(t, svc.Authorize(t.Context(), convID), ErrUnauthorized)
	assert.ErrorIs(t, svc.Authorize(as(t.Context(), alice), 404), ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	direct := &store.Conversation{ID: 1, Name: "alice & bob"}
	parts := []*store.Participant{
		{UserID: 1, Username: "alice"},
		{UserID: 2, Username: "bobby"},
	}
	assert.Equal(t, "bobby", DisplayName(direct, parts, 1))
	assert.Equal(t, "alice", DisplayName(direct, parts, 2))

	// Missing counterpart falls back to the stored name
	assert.Equal(t, "alice & bob", DisplayName(direct, parts[:1], 1))

	group := &store.Conversation{ID: 2, Name: "team", IsGroup: true}
	assert.Equal(t, "team", DisplayName(group, parts, 1))
}

func TestService_BroadcastEndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	b := NewEventBroadcaster(BroadcasterOptions{})
	defer b.Close()
	svc := New(st, b, nil, nil)

	convID, alice, bob := seedConversation(t, st, 0)
	msgs, _ := b.Subscribe(t.Context(), MessageTopic(convID))
	receipts, _ := b.Subscribe(t.Context(), ReceiptTopic(convID))

	sent, err := svc.SendMessage(as(t.Context(), alice), convID, strings.Repeat("x", 3))
	require.NoError(t, err)

	ev := receive(t, msgs)
	assert.Equal(t, sent.ID, ev.Message.ID)

	_, err = svc.MarkRead(as(t.Context(), bob), convID)
	require.NoError(t, err)

	ev = receive(t, receipts)
	assert.Equal(t, sent.ID, ev.Receipt.MessageID)
	assert.Equal(t, bob.ID, ev.Receipt.ReaderID)
}
