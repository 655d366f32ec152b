// ABOUTME: Tests for history paging over both store backends
// ABOUTME: Covers latest-N, older blocks, keyset cursors and round-trip completeness

package conversation

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func forEachStore(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Run("sqlite", func(t *testing.T) {
		st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
		require.NoError(t, err)
		defer st.Close()
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemoryStore())
	})
}

// seedConversation creates alice and bob, their direct conversation and n
// messages with content "m1".."mN" alternating senders starting with alice.
func seedConversation(t *testing.T, st store.Store, n int) (convID int64, alice, bob *store.User) {
	t.Helper()
	ctx := t.Context()

	alice, err := st.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	bob, err = st.CreateUser(ctx, "bob", "")
	require.NoError(t, err)

	conv, err := st.ResolveDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	for i := 1; i <= n; i++ {
		sender := alice.ID
		if i%2 == 0 {
			sender = bob.ID
		}
		_, err := st.AppendMessage(ctx, sender, conv.ID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	return conv.ID, alice, bob
}

func contents(msgs []*MessageView) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func span(from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("m%d", i))
	}
	return out
}

func TestFetchPage_LatestAndOlderBlocks(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()
		convID, _, _ := seedConversation(t, st, 120)

		page0, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Page: 0, Size: 50})
		require.NoError(t, err)
		assert.Equal(t, span(71, 120), contents(page0.Messages))
		assert.True(t, page0.HasMore)
		assert.Equal(t, 0, page0.Page)

		page1, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Page: 1, Size: 50})
		require.NoError(t, err)
		assert.Equal(t, span(21, 70), contents(page1.Messages))
		assert.True(t, page1.HasMore)

		page2, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Page: 2, Size: 50})
		require.NoError(t, err)
		assert.Equal(t, span(1, 20), contents(page2.Messages))
		assert.False(t, page2.HasMore)

		page3, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Page: 3, Size: 50})
		require.NoError(t, err)
		assert.Empty(t, page3.Messages)
		assert.False(t, page3.HasMore)
	})
}

func TestFetchPage_FewerThanSize(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		convID, _, _ := seedConversation(t, st, 3)

		page, err := FetchPage(t.Context(), st, PageRequest{ConversationID: convID, Size: 50})
		require.NoError(t, err)
		assert.Equal(t, span(1, 3), contents(page.Messages))
		assert.False(t, page.HasMore)
	})
}

func TestFetchPage_ExactlySize(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		convID, _, _ := seedConversation(t, st, 10)

		page, err := FetchPage(t.Context(), st, PageRequest{ConversationID: convID, Size: 10})
		require.NoError(t, err)
		assert.Len(t, page.Messages, 10)
		assert.False(t, page.HasMore)
	})
}

func TestFetchPage_InvalidRequests(t *testing.T) {
	st := store.NewMemoryStore()
	convID, _, _ := seedConversation(t, st, 1)
	ctx := t.Context()

	_, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Size: 0})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = FetchPage(ctx, st, PageRequest{ConversationID: convID, Size: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = FetchPage(ctx, st, PageRequest{ConversationID: convID, Page: -1, Size: 10})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = FetchPage(ctx, st, PageRequest{ConversationID: 999, Size: 10})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchPage_RoundTripCoversHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()
		const total = 37
		convID, _, _ := seedConversation(t, st, total)

		for _, size := range []int{1, 2, 5, 10, 36, 37, 38, 100} {
			var collected []string
			for page := 0; ; page++ {
				res, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Page: page, Size: size})
				require.NoError(t, err)
				// Pages come newest block first; prepend to rebuild history.
				collected = append(contents(res.Messages), collected...)
				if !res.HasMore {
					break
				}
			}
			assert.Equal(t, span(1, total), collected, "size %d", size)
		}
	})
}

func TestFetchPage_BeforeCursor(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()
		convID, alice, _ := seedConversation(t, st, 30)

		latest, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Size: 10})
		require.NoError(t, err)
		require.Equal(t, span(21, 30), contents(latest.Messages))

		// New messages arriving between requests do not shift the cursor.
		_, err = st.AppendMessage(ctx, alice.ID, convID, "late")
		require.NoError(t, err)

		older, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Size: 10, BeforeID: latest.Messages[0].ID})
		require.NoError(t, err)
		assert.Equal(t, span(11, 20), contents(older.Messages))
		assert.True(t, older.HasMore)

		oldest, err := FetchPage(ctx, st, PageRequest{ConversationID: convID, Size: 10, BeforeID: older.Messages[0].ID})
		require.NoError(t, err)
		assert.Equal(t, span(1, 10), contents(oldest.Messages))
		assert.False(t, oldest.HasMore)

		_, err = FetchPage(ctx, st, PageRequest{ConversationID: convID, Size: 10, BeforeID: 99999})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
