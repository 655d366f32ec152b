// ABOUTME: Websocket push surface for live messages and read receipts
// ABOUTME: Handles subscribe, unsubscribe, send and read frames over one authenticated connection

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	maxFrameBytes   = 64 << 10
	connSendBuffer  = 128
	inflightTimeout = 5 * time.Second
)

// Frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSend        = "send"
	frameRead        = "read"
	frameAck         = "ack"
	frameError       = "error"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type inboundFrame struct {
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	ConversationID int64  `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

type ackFrame struct {
	Type           string                    `json:"type"`
	Action         string                    `json:"action"`
	Topic          string                    `json:"topic,omitempty"`
	ConversationID int64                     `json:"conversationId,omitempty"`
	ClientMsgID    string                    `json:"clientMsgId,omitempty"`
	MessageID      int64                     `json:"messageId,omitempty"`
	Duplicate      bool                      `json:"duplicate,omitempty"`
	MarkedCount    *int                      `json:"markedCount,omitempty"`
	Message        *conversation.MessageView `json:"message,omitempty"`
}

type errorFrame struct {
	Type        string `json:"type"`
	Action      string `json:"action,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	Error       string `json:"error"`
}

// wsConn wraps a websocket and coordinates outbound writes via a buffered
// channel. Only writeLoop writes to the socket.
type wsConn struct {
	id   string
	user *auth.AuthContext
	ws   *websocket.Conn

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]string // topic -> broadcaster subscription id
}

func newWSConn(user *auth.AuthContext, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		user:   user,
		ws:     ws,
		send:   make(chan []byte, connSendBuffer),
		closed: make(chan struct{}),
		subs:   make(map[string]string),
	}
}

var errConnClosed = errors.New("connection closed")

// enqueue queues payload for writeLoop. A client too slow to drain its
// buffer is disconnected.
func (c *wsConn) enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *wsConn) enqueueJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(payload)
}

// close sends a close frame and tears down the socket. Safe to call repeatedly.
func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

func (g *Gateway) trackConn(c *wsConn) {
	g.connsMu.Lock()
	g.conns[c.id] = c
	g.connsMu.Unlock()
	g.metrics.ConnectionOpened()
}

func (g *Gateway) untrackConn(c *wsConn) {
	g.connsMu.Lock()
	_, ok := g.conns[c.id]
	delete(g.conns, c.id)
	g.connsMu.Unlock()
	if ok {
		g.metrics.ConnectionClosed()
	}
}

// closeConnections disconnects every websocket client.
func (g *Gateway) closeConnections() {
	g.connsMu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// handleWebSocket handles GET /ws. It upgrades the authenticated request and
// processes frames until the client disconnects.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())
	if user == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(user, ws)
	g.trackConn(conn)

	// Subscriptions end with this context.
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		g.untrackConn(conn)
		conn.close(websocket.CloseNormalClosure, "session closed")
	}()

	go conn.writeLoop()

	g.logger.Debug("websocket connected", "conn_id", conn.id, "user_id", user.UserID)

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.logger.Debug("websocket read ended", "conn_id", conn.id, "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.replyError(conn, "", "", "invalid payload")
			continue
		}

		switch frame.Type {
		case frameSubscribe:
			g.handleSubscribe(ctx, conn, frame)
		case frameUnsubscribe:
			g.handleUnsubscribe(conn, frame)
		case frameSend:
			g.handleSendFrame(ctx, conn, frame)
		case frameRead:
			g.handleReadFrame(ctx, conn, frame)
		default:
			g.replyError(conn, frame.Type, "", "unknown frame type")
		}
	}
}

func (g *Gateway) replyError(conn *wsConn, action, clientMsgID, msg string) {
	_ = conn.enqueueJSON(errorFrame{Type: frameError, Action: action, ClientMsgID: clientMsgID, Error: msg})
}

func (g *Gateway) replyServiceError(conn *wsConn, action, clientMsgID string, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("websocket "+action+" failed", "conn_id", conn.id, "error", err)
	}
	g.replyError(conn, action, clientMsgID, msg)
}

// handleSubscribe checks participation and starts forwarding the topic's events.
func (g *Gateway) handleSubscribe(ctx context.Context, conn *wsConn, frame inboundFrame) {
	typ, convID, err := conversation.ParseTopic(frame.Topic)
	if err != nil {
		g.replyServiceError(conn, frameSubscribe, "", err)
		return
	}

	// Subscribe under the topic the broadcaster publishes on.
	topic := conversation.MessageTopic(convID)
	if typ == conversation.EventReadReceipt {
		topic = conversation.ReceiptTopic(convID)
	}

	opCtx, cancel := context.WithTimeout(ctx, inflightTimeout)
	err = g.conversation.Authorize(opCtx, convID)
	cancel()
	if err != nil {
		g.replyServiceError(conn, frameSubscribe, "", err)
		return
	}

	conn.mu.Lock()
	if _, ok := conn.subs[topic]; !ok {
		events, subID := g.broadcaster.Subscribe(ctx, topic)
		conn.subs[topic] = subID
		go g.forward(conn, events)
	}
	conn.mu.Unlock()

	_ = conn.enqueueJSON(ackFrame{Type: frameAck, Action: frameSubscribe, Topic: topic, ConversationID: convID})
}

// forward copies broadcaster events to the connection until the
// subscription ends.
func (g *Gateway) forward(conn *wsConn, events <-chan *conversation.Event) {
	for ev := range events {
		if err := conn.enqueueJSON(ev); err != nil {
			if !errors.Is(err, errConnClosed) {
				g.logger.Warn("dropping websocket client", "conn_id", conn.id, "error", err)
			}
			return
		}
	}
}

func (g *Gateway) handleUnsubscribe(conn *wsConn, frame inboundFrame) {
	conn.mu.Lock()
	subID, ok := conn.subs[frame.Topic]
	delete(conn.subs, frame.Topic)
	conn.mu.Unlock()

	if ok {
		g.broadcaster.Unsubscribe(frame.Topic, subID)
	}
	_ = conn.enqueueJSON(ackFrame{Type: frameAck, Action: frameUnsubscribe, Topic: frame.Topic})
}

// handleSendFrame persists a message. Retries carrying a clientMsgId already
// seen for this user are acknowledged without persisting again.
func (g *Gateway) handleSendFrame(ctx context.Context, conn *wsConn, frame inboundFrame) {
	if frame.ClientMsgID != "" {
		if prior, dup := g.dedupe.Reserve(conn.user.UserID, frame.ClientMsgID); dup {
			_ = conn.enqueueJSON(ackFrame{
				Type:           frameAck,
				Action:         frameSend,
				ConversationID: frame.ConversationID,
				ClientMsgID:    frame.ClientMsgID,
				MessageID:      prior,
				Duplicate:      true,
			})
			return
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, inflightTimeout)
	defer cancel()

	msg, err := g.conversation.SendMessage(opCtx, frame.ConversationID, frame.Content)
	if err != nil {
		if frame.ClientMsgID != "" {
			g.dedupe.Release(conn.user.UserID, frame.ClientMsgID)
		}
		g.replyServiceError(conn, frameSend, frame.ClientMsgID, err)
		return
	}
	if frame.ClientMsgID != "" {
		g.dedupe.Complete(conn.user.UserID, frame.ClientMsgID, msg.ID)
	}

	_ = conn.enqueueJSON(ackFrame{
		Type:           frameAck,
		Action:         frameSend,
		ConversationID: frame.ConversationID,
		ClientMsgID:    frame.ClientMsgID,
		MessageID:      msg.ID,
		Message:        msg,
	})
}

func (g *Gateway) handleReadFrame(ctx context.Context, conn *wsConn, frame inboundFrame) {
	opCtx, cancel := context.WithTimeout(ctx, inflightTimeout)
	defer cancel()

	n, err := g.conversation.MarkRead(opCtx, frame.ConversationID)
	if err != nil {
		g.replyServiceError(conn, frameRead, "", err)
		return
	}
	_ = conn.enqueueJSON(ackFrame{
		Type:           frameAck,
		Action:         frameRead,
		ConversationID: frame.ConversationID,
		MarkedCount:    &n,
	})
}
