// Package store provides persistent storage for coven-chat.
//
// # Architecture
//
// The package is interface driven:
//
//   - UserStore: user lookup used to stamp sender identity
//   - ConversationStore: conversations, participants, direct-pair resolution
//   - MessageStore: the per-conversation message log and its read state
//   - Store: all of the above plus Ping and Close
//
// Two implementations are provided. SQLiteStore is the durable backend.
// MemoryStore keeps an arena of conversation records, each owning its
// participants and messages, and is used by tests and by deployments
// configured with database.path ":memory:".
//
// # Ordering
//
// Messages in a conversation are ordered by (created_at, id). created_at is
// assigned inside the append transaction and clamped so that it never goes
// backwards within a conversation; the conversation's updated_at is set to
// the same value in that transaction.
//
// # SQLite Configuration
//
// Every pooled connection is opened with:
//
//	_pragma=foreign_keys(1)
//	_pragma=busy_timeout(5000)
//	_pragma=journal_mode(WAL)
//	_txlock=immediate
//
// Write transactions begin IMMEDIATE so concurrent appends to the same
// conversation queue on the file lock and commit in created_at order.
// Timestamps are stored as fixed-width UTC text.
//
// # Error Handling
//
//   - ErrNotFound: requested user, conversation or message does not exist
//   - ErrInvalidInput: empty content, empty names, non-positive limits
//   - ErrDuplicateUsername: username already taken
//
// Errors are wrapped with context; test them with errors.Is.
package store
