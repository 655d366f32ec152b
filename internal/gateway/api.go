// ABOUTME: HTTP API handlers for conversations, messages and read state
// ABOUTME: Decodes requests, calls the messaging service and maps its errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodyBytes    = 1 << 20
)

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

// ResolveDirectRequest is the JSON request body for POST /api/conversations/direct.
type ResolveDirectRequest struct {
	UserID int64 `json:"userId"`
}

// CreateGroupRequest is the JSON request body for POST /api/conversations/group.
type CreateGroupRequest struct {
	Name    string  `json:"name"`
	UserIDs []int64 `json:"userIds"`
}

// MarkReadResponse is the JSON response for POST /api/conversations/{id}/read.
type MarkReadResponse struct {
	Success     bool `json:"success"`
	MarkedCount int  `json:"markedCount"`
}

// UnreadCountResponse is the JSON response for GET /api/conversations/{id}/unread.
type UnreadCountResponse struct {
	ConversationID int64 `json:"conversationId"`
	Count          int   `json:"count"`
}

// MeResponse is the JSON response for GET /api/me.
type MeResponse struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps messaging errors to HTTP status codes and client-safe messages.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrNotParticipant):
		return http.StatusForbidden, "not a participant of this conversation"
	case errors.Is(err, conversation.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// sendServiceError writes the response for an error returned by the
// messaging service. Unexpected errors are logged, never echoed.
func (g *Gateway) sendServiceError(w http.ResponseWriter, op string, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error(op+" failed", "error", err)
	}
	g.sendJSONError(w, status, msg)
}

// decodeBody decodes a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// pathConversationID parses the {id} path segment.
func pathConversationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid conversation id")
	}
	return id, nil
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// handleSendMessage handles POST /api/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	msg, err := g.conversation.SendMessage(r.Context(), req.ConversationID, req.Content)
	if err != nil {
		g.sendServiceError(w, "send message", err)
		return
	}
	g.sendJSON(w, http.StatusCreated, msg)
}

// handleHistory handles GET /api/conversations/{id}/messages?page=&size=&before=.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	convID, err := pathConversationID(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := intQuery(r, "page", 0)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := intQuery(r, "size", defaultPageSize)
	if err != nil || size == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "size must be a positive integer")
		return
	}
	if size > maxPageSize {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("size must not exceed %d", maxPageSize))
		return
	}
	before, err := intQuery(r, "before", 0)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.conversation.History(r.Context(), convID, int(page), int(size), before)
	if err != nil {
		g.sendServiceError(w, "history", err)
		return
	}
	g.sendJSON(w, http.StatusOK, result)
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	convID, err := pathConversationID(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := g.conversation.MarkRead(r.Context(), convID)
	if err != nil {
		g.sendServiceError(w, "mark read", err)
		return
	}
	g.sendJSON(w, http.StatusOK, MarkReadResponse{Success: true, MarkedCount: n})
}

// handleUnreadCount handles GET /api/conversations/{id}/unread.
func (g *Gateway) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	convID, err := pathConversationID(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := g.conversation.UnreadCount(r.Context(), convID)
	if err != nil {
		g.sendServiceError(w, "unread count", err)
		return
	}
	g.sendJSON(w, http.StatusOK, UnreadCountResponse{ConversationID: convID, Count: n})
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.conversation.ListConversations(r.Context())
	if err != nil {
		g.sendServiceError(w, "list conversations", err)
		return
	}
	g.sendJSON(w, http.StatusOK, convs)
}

// handleResolveDirect handles POST /api/conversations/direct.
func (g *Gateway) handleResolveDirect(w http.ResponseWriter, r *http.Request) {
	var req ResolveDirectRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	conv, err := g.conversation.ResolveDirect(r.Context(), req.UserID)
	if err != nil {
		g.sendServiceError(w, "resolve direct", err)
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// handleCreateGroup handles POST /api/conversations/group.
func (g *Gateway) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.conversation.CreateGroup(r.Context(), req.Name, req.UserIDs)
	if err != nil {
		g.sendServiceError(w, "create group", err)
		return
	}
	g.sendJSON(w, http.StatusCreated, conv)
}

// handleMe handles GET /api/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	g.sendJSON(w, http.StatusOK, MeResponse{
		ID:             id.UserID,
		Username:       id.Username,
		ProfilePicture: id.ProfilePicture,
	})
}
