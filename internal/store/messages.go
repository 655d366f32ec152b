// ABOUTME: SQLite message log: append, history, newest-first windows and read state
// ABOUTME: Appends and read transitions run in one transaction each

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, u.username, u.profile_picture, m.content, m.created_at, m.is_read`

const messageFrom = ` FROM messages m JOIN users u ON u.id = m.sender_id `

// AppendMessage persists a message and refreshes the conversation's
// updated_at to the message's created_at in the same transaction.
// created_at never goes backwards within a conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, senderID, conversationID int64, content string) (*Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	sender, err := getUser(ctx, tx, `WHERE id = ?`, senderID)
	if err != nil {
		return nil, fmt.Errorf("sender %d: %w", senderID, err)
	}
	if err := s.conversationExists(ctx, tx, conversationID); err != nil {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, err)
	}

	createdAt := time.Now().UTC()
	var last sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("querying last message time: %w", err)
	}
	if last.Valid {
		prev, err := parseTime(last.String)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if prev.After(createdAt) {
			createdAt = prev
		}
	}

	stamp := formatTime(createdAt)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content, created_at, is_read) VALUES (?, ?, ?, ?, 0)`,
		conversationID, senderID, content, stamp,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, stamp, conversationID,
	); err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", id, "conversation_id", conversationID, "sender_id", senderID)
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderUsername: sender.Username,
		SenderPicture:  sender.ProfilePicture,
		Content:        content,
		CreatedAt:      createdAt,
	}, nil
}

// History returns every message in the conversation, oldest first.
func (s *SQLiteStore) History(ctx context.Context, conversationID int64) ([]*Message, error) {
	if err := s.conversationExists(ctx, s.db, conversationID); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx, s.db,
		`SELECT `+messageColumns+messageFrom+`
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.id ASC`, conversationID)
}

// LatestMessage returns the newest message in the conversation.
func (s *SQLiteStore) LatestMessage(ctx context.Context, conversationID int64) (*Message, error) {
	msgs, err := s.queryMessages(ctx, s.db,
		`SELECT `+messageColumns+messageFrom+`
		WHERE m.conversation_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1`, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// ListMessagesDesc returns a newest-first window of the conversation.
func (s *SQLiteStore) ListMessagesDesc(ctx context.Context, q PageQuery) ([]*Message, error) {
	if q.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	if err := s.conversationExists(ctx, s.db, q.ConversationID); err != nil {
		return nil, err
	}

	if q.BeforeID > 0 {
		var anchor string
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND conversation_id = ?`,
			q.BeforeID, q.ConversationID,
		).Scan(&anchor)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message %d: %w", q.BeforeID, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("querying cursor message: %w", err)
		}

		return s.queryMessages(ctx, s.db,
			`SELECT `+messageColumns+messageFrom+`
			WHERE m.conversation_id = ?
			  AND (m.created_at < ? OR (m.created_at = ? AND m.id < ?))
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?`,
			q.ConversationID, anchor, anchor, q.BeforeID, q.Limit)
	}

	return s.queryMessages(ctx, s.db,
		`SELECT `+messageColumns+messageFrom+`
		WHERE m.conversation_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?`,
		q.ConversationID, q.Limit, q.Offset)
}

// MarkConversationRead flips every unread message authored by someone other
// than readerID and returns exactly the flipped set, oldest first. The
// predicate and the write are one statement, so concurrent callers never
// both observe the same transition. The reader's last_read_at is refreshed.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, readerID int64) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := s.conversationExists(ctx, tx, conversationID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0
		RETURNING id
	`, conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("marking messages read: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating marked messages: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET last_read_at = ? WHERE conversation_id = ? AND user_id = ?`,
		formatTime(time.Now()), conversationID, readerID,
	); err != nil {
		return nil, fmt.Errorf("updating last_read_at: %w", err)
	}

	// The id set is bound as one JSON array so large backlogs stay under
	// SQLite's bound-variable limit.
	var marked []*Message
	if len(ids) > 0 {
		idList, err := json.Marshal(ids)
		if err != nil {
			return nil, fmt.Errorf("encoding marked ids: %w", err)
		}
		marked, err = s.queryMessages(ctx, tx,
			`SELECT `+messageColumns+messageFrom+`
			WHERE m.conversation_id = ? AND m.id IN (SELECT value FROM json_each(?))
			ORDER BY m.created_at ASC, m.id ASC`, conversationID, string(idList))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing read state: %w", err)
	}

	if len(marked) > 0 {
		s.logger.Debug("marked messages read",
			"conversation_id", conversationID,
			"reader_id", readerID,
			"count", len(marked))
	}
	return marked, nil
}

// UnreadCount counts messages by others the user has not read yet.
// It uses the same predicate as MarkConversationRead.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0`,
		conversationID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return n, nil
}

// UnreadMessages lists the messages UnreadCount counts, oldest first.
func (s *SQLiteStore) UnreadMessages(ctx context.Context, conversationID, userID int64) ([]*Message, error) {
	return s.queryMessages(ctx, s.db,
		`SELECT `+messageColumns+messageFrom+`
		WHERE m.conversation_id = ? AND m.sender_id <> ? AND m.is_read = 0
		ORDER BY m.created_at ASC, m.id ASC`, conversationID, userID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, q querier, query string, args ...any) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.SenderID,
			&m.SenderUsername,
			&m.SenderPicture,
			&m.Content,
			&createdAt,
			&m.IsRead,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}
