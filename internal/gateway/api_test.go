// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Exercises auth, status mapping, pagination parameters and conversation views end to end

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

// newTestGateway creates a gateway on the in-memory store and serves it
// through httptest.
func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	gw, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

type testUser struct {
	*store.User
	token string
}

func createTestUser(t *testing.T, gw *Gateway, name string) testUser {
	t.Helper()

	u, err := gw.Store().CreateUser(context.Background(), name, "")
	require.NoError(t, err)
	token, err := gw.Verifier().Generate(u.ID, time.Hour)
	require.NoError(t, err)
	return testUser{User: u, token: token}
}

// doJSON performs a request as user (or anonymously when token is empty)
// and decodes a JSON response into out when out is non-nil.
func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decoding %s %s", method, path)
	}
	return resp.StatusCode
}

func resolveDirect(t *testing.T, srv *httptest.Server, a, b testUser) *conversation.ConversationView {
	t.Helper()
	var conv conversation.ConversationView
	code := doJSON(t, srv, http.MethodPost, "/api/conversations/direct", a.token, ResolveDirectRequest{UserID: b.ID}, &conv)
	require.Equal(t, http.StatusOK, code)
	return &conv
}

func TestAPI_RequiresAuth(t *testing.T) {
	_, srv := newTestGateway(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/me"},
		{http.MethodGet, "/api/conversations"},
		{http.MethodPost, "/api/messages"},
		{http.MethodGet, "/api/conversations/1/messages"},
		{http.MethodPost, "/api/conversations/1/read"},
		{http.MethodGet, "/ws"},
	} {
		code := doJSON(t, srv, tc.method, tc.path, "", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, code, "%s %s", tc.method, tc.path)
	}

	code := doJSON(t, srv, http.MethodGet, "/api/me", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAPI_Me(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := createTestUser(t, gw, "alice")

	var me MeResponse
	code := doJSON(t, srv, http.MethodGet, "/api/me", alice.token, nil, &me)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, alice.ID, me.ID)
	assert.Equal(t, "alice", me.Username)
}

func TestAPI_SendAndHistory(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := createTestUser(t, gw, "alice")
	bob := createTestUser(t, gw, "bob")
	conv := resolveDirect(t, srv, alice, bob)
	assert.Equal(t, "bob", conv.Name)

	for i := 1; i <= 5; i++ {
		var msg conversation.MessageView
		code := doJSON(t, srv, http.MethodPost, "/api/messages", alice.token,
			SendMessageRequest{ConversationID: conv.ID, Content: fmt.Sprintf("m%d", i)}, &msg)
		require.Equal(t, http.StatusCreated, code)
		assert.Equal(t, alice.ID, msg.SenderID)
		assert.Equal(t, "alice", msg.SenderUsername)
	}

	var page conversation.PageResult
	code := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?size=2", conv.ID), bob.token, nil, &page)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m4", page.Messages[0].Content)
	assert.Equal(t, "m5", page.Messages[1].Content)
	assert.True(t, page.HasMore)

	var older conversation.PageResult
	code = doJSON(t, srv, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d/messages?size=2&before=%d", conv.ID, page.Messages[0].ID), bob.token, nil, &older)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, older.Messages, 2)
	assert.Equal(t, "m2", older.Messages[0].Content)

	var last conversation.PageResult
	code = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?size=2&page=2", conv.ID), bob.token, nil, &last)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "m1", last.Messages[0].Content)
	assert.False(t, last.HasMore)
	assert.Equal(t, 2, last.Page)
}

func TestAPI_HistoryDefaultsAndLimits(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := createTestUser(t, gw, "alice")
	bob := createTestUser(t, gw, "bob")
	conv := resolveDirect(t, srv, alice, bob)

	var page conversation.PageResult
	code := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), alice.token, nil, &page)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)

	for _, query := range []string{"size=201", "size=0", "size=-1", "size=abc", "page=-1", "before=x"} {
		code := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?%s", conv.ID, query), alice.token, nil, nil)
		assert.Equal(t, http.StatusBadRequest, code, query)
	}

	code = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?size=200", conv.ID), alice.token, nil, nil)
	assert.Equal(t, http.StatusOK, code)

	code = doJSON(t, srv, http.MethodGet, "/api/conversations/abc/messages", alice.token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := createTestUser(t, gw, "alice")
	bob := createTestUser(t, gw, "bob")
	mallory := createTestUser(t, gw, "mallory")
	conv := resolveDirect(t, srv, alice, bob)

	var errResp map[string]string
	code := doJSON(t, srv, http.MethodPost, "/api/messages", mallory.token,
		SendMessageRequest{ConversationID: conv.ID, Content: "hi"}, &errResp)
	assert.Equal(t, http.StatusForbidden, code)
	assert.NotEmpty(t, errResp["error"])

	code = doJSON(t, srv, http.MethodPost, "/api/messages", alice.token,
		SendMessageRequest{ConversationID: 9999, Content: "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = doJSON(t, srv, http.MethodPost, "/api/messages", alice.token,
		SendMessageRequest{ConversationID: conv.ID, Content: "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSON(t, srv, http.MethodPost, "/api/messages", alice.token, "not an object", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), mallory.token, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code = doJSON(t, srv, http.MethodPost, "/api/conversations/direct", alice.token, ResolveDirectRequest{UserID: alice.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSON(t, srv, http.MethodPost, "/api/conversations/direct", alice.token, ResolveDirectRequest{UserID: 9999}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_MarkReadAndUnread(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := createTestUser(t, gw, "alice")
	bob := createTestUser(t, gw, "bob")
	conv := resolveDirect(t, srv, alice, bob)

	for range 3 {
		code := doJSON(t, srv, http.MethodPost, "/api/messages", alice.token,
			SendMessageRequest{ConversationID: conv.ID, Content: "hello"}, nil)
		require.Equal(t, http.StatusCreated, code)
	}

	var unread UnreadCountResponse
	code := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/unread", conv.ID), bob.token, nil, &unread)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, conv.ID, unread.ConversationID)
	assert.Equal(t, 3, unread.Count)

	var marked MarkReadResponse
	code = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conv.ID), bob.token, nil, &marked)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, marked.Success)
	assert.Equal(t, 3, marked.MarkedCount)

	code = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conv.ID), bob.token, nil, &marked)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, marked.MarkedCount)

	code = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/unread", conv.ID), bob.token, nil, &unread)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, unread.Count)

	var page conversation.PageResult
	code = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), alice.token, nil, &page)
	require.Equal(t, http.StatusOK, code)
	for _, m := range page.Messages {
		assert.True(t, m.IsRead)
	}
}

func TestAPI_ListAndGroups(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := createTestUser(t, gw, "alice")
	bob := createTestUser(t, gw, "bob")
	carol := createTestUser(t, gw, "carol")

	direct := resolveDirect(t, srv, alice, bob)

	var group conversation.ConversationView
	code := doJSON(t, srv, http.MethodPost, "/api/conversations/group", alice.token,
		CreateGroupRequest{Name: "trio", UserIDs: []int64{bob.ID, carol.ID}}, &group)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, group.IsGroup)
	assert.Len(t, group.Participants, 3)

	code = doJSON(t, srv, http.MethodPost, "/api/conversations/group", alice.token,
		CreateGroupRequest{Name: "", UserIDs: []int64{bob.ID}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	time.Sleep(time.Millisecond)
	code = doJSON(t, srv, http.MethodPost, "/api/messages", bob.token,
		SendMessageRequest{ConversationID: direct.ID, Content: "newest"}, nil)
	require.Equal(t, http.StatusCreated, code)

	var list []*conversation.ConversationView
	code = doJSON(t, srv, http.MethodGet, "/api/conversations", alice.token, nil, &list)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list, 2)
	assert.Equal(t, direct.ID, list[0].ID)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "newest", list[0].LastMessage.Content)
	assert.Equal(t, group.ID, list[1].ID)

	var carolList []*conversation.ConversationView
	code = doJSON(t, srv, http.MethodGet, "/api/conversations", carol.token, nil, &carolList)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, carolList, 1)
	assert.Equal(t, "trio", carolList[0].Name)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{conversation.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", conversation.ErrNotParticipant), http.StatusForbidden},
		{fmt.Errorf("conversation 1: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: empty", store.ErrInvalidInput), http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := errorStatus(tc.err)
		assert.Equal(t, tc.want, got, "error %v", tc.err)
	}
}
