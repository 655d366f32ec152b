// Package gateway wires the coven-chat server together.
//
// # Overview
//
// Gateway owns the store, the conversation service, the event broadcaster,
// the optional Redis relay, the websocket dedupe cache and the HTTP server.
// New builds them in dependency order; Shutdown tears them down in reverse
// and is safe to call more than once.
//
// # HTTP API
//
// Everything under /api and /ws requires a bearer token (or an access_token
// query parameter for browsers opening a websocket):
//
//   - POST /api/messages - Send a message
//   - GET /api/conversations - List the caller's conversations
//   - POST /api/conversations/direct - Find or create a direct conversation
//   - POST /api/conversations/group - Create a group conversation
//   - GET /api/conversations/{id}/messages - Paged history (page, size, before)
//   - POST /api/conversations/{id}/read - Mark messages read
//   - GET /api/conversations/{id}/unread - Unread count
//   - GET /api/me - The authenticated user
//   - GET /ws - Websocket upgrade
//
// Unauthenticated:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (pings the store)
//   - GET /metrics - Prometheus metrics, when enabled
//
// Service errors map to status codes: not a participant is 403, missing
// identity is 401, unknown ids are 404 and bad input is 400.
//
// # Websocket Frames
//
// Clients send JSON frames with a type field:
//
//	{"type":"subscribe","topic":"conversation/7"}
//	{"type":"unsubscribe","topic":"read-receipt/7"}
//	{"type":"send","conversationId":7,"content":"hi","clientMsgId":"c-1"}
//	{"type":"read","conversationId":7}
//
// Each is answered with an ack or error frame. Subscribed events arrive as
// {"type":"message",...} or {"type":"read_receipt",...}. A send retried with
// the same clientMsgId is acknowledged with the original messageId and
// duplicate set, without persisting again.
//
// A connection whose outbound buffer fills is closed; the client reconnects
// and pages history to catch up.
//
// # Tailscale
//
// With tailscale.enabled the server listens on the tailnet through tsnet,
// optionally over HTTPS or Funnel, instead of server.http_addr.
package gateway
