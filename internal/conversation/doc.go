// Package conversation provides the messaging core of coven-chat.
//
// # Overview
//
// The package sits between the transports (HTTP API and websocket) and the
// store. Every messaging operation goes through Service, which reads the
// caller from auth.FromContext, checks participation, persists, and only
// then hands events to the broadcaster.
//
//	b := conversation.NewEventBroadcaster(conversation.BroadcasterOptions{Metrics: m})
//	svc := conversation.New(store, b, m, logger)
//
// Key operations:
//
//   - SendMessage(ctx, convID, content): persist, then publish on conversation/{id}
//   - History(ctx, convID, page, size, beforeID): one chronological page
//   - MarkRead(ctx, convID): flip unread messages, one receipt per message
//   - UnreadCount, ResolveDirect, CreateGroup, ListConversations, Authorize
//
// # Pagination
//
// FetchPage reads newest-first from the store and returns the page oldest
// first. Page 0 is the latest Size messages; page n skips n*Size newer
// messages. A BeforeID cursor returns the Size messages strictly older than
// that message, which stays stable while new messages arrive. HasMore is
// decided by reading one row past the page.
//
// # Event Broadcasting
//
// EventBroadcaster delivers two kinds of Event:
//
//   - message on conversation/{id}
//   - read_receipt on read-receipt/{id}
//
// Publishing enqueues and returns. A single dispatcher goroutine fans events
// out in publish order. Each subscriber has a bounded buffer; when it is full
// the event is dropped for that subscriber, logged with ErrDeliveryFailed and
// counted. When a Relay is configured every local event is also forwarded to
// other instances from a separate bounded queue, so a stalled relay drops
// relay sends instead of delaying local fan-out. Events arriving from other
// instances are fanned out locally with DeliverRemote.
//
// # Errors
//
//   - ErrUnauthorized: no session identity
//   - ErrNotParticipant: caller is not a member (matches ErrUnauthorized)
//   - ErrNotFound, ErrInvalidInput: re-exported from store
package conversation
