// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides users, conversations and participants with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// memoryPath opens a private in-memory database instead of a file.
const memoryPath = ":memory:"

// dsnParams apply to every pooled connection. Write transactions take the
// RESERVED lock at BEGIN so that writers queue on busy_timeout instead of
// failing when they upgrade from a read.
const dsnParams = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path + "?" + dsnParams + "&_pragma=journal_mode(WAL)"
	if path == memoryPath {
		dsn = path + "?" + dsnParams
	} else {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			username        TEXT NOT NULL UNIQUE,
			profile_picture TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			is_group   INTEGER NOT NULL DEFAULT 0,
			direct_key TEXT UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (is_group = 1 OR direct_key IS NOT NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id INTEGER NOT NULL,
			user_id         INTEGER NOT NULL,
			joined_at       TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id       INTEGER NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			is_read         INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, is_read, sender_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions that createSchema cannot express
// for databases created by older builds.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "participants",
			column: "last_read_at",
			apply:  `ALTER TABLE participants ADD COLUMN last_read_at TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rollback is deferred after BeginTx; it is a no-op once the tx has committed.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// CreateUser registers a user. Usernames are unique.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, profilePicture string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is empty", ErrInvalidInput)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, profile_picture, created_at) VALUES (?, ?, ?)`,
		username, profilePicture, formatTime(now),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading user id: %w", err)
	}

	s.logger.Debug("created user", "id", id, "username", username)
	return &User{ID: id, Username: username, ProfilePicture: profilePicture, CreatedAt: now}, nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return getUser(ctx, s.db, `WHERE id = ?`, id)
}

// GetUserByUsername retrieves a user by username
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return getUser(ctx, s.db, `WHERE username = ?`, username)
}

func getUser(ctx context.Context, q querier, where string, arg any) (*User, error) {
	var u User
	var createdAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, username, profile_picture, created_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Username, &u.ProfilePicture, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// ResolveDirect returns the direct conversation between two users, creating
// it with both participants if it does not exist yet. Concurrent callers for
// the same pair all receive the same conversation.
func (s *SQLiteStore) ResolveDirect(ctx context.Context, userA, userB int64) (*Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("%w: direct conversation needs two distinct users", ErrInvalidInput)
	}
	key := directKey(userA, userB)

	conv, err := s.getDirect(ctx, s.db, key)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	conv, err = s.createDirect(ctx, key, userA, userB)
	if err != nil && isConstraintViolation(err) {
		// Lost the race; the winner's row is committed
		s.logger.Debug("direct conversation created concurrently", "direct_key", key)
		return s.getDirect(ctx, s.db, key)
	}
	return conv, err
}

func (s *SQLiteStore) createDirect(ctx context.Context, key string, userA, userB int64) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	// Re-check under the write lock
	if conv, err := s.getDirect(ctx, tx, key); err == nil {
		return conv, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	a, err := getUser(ctx, tx, `WHERE id = ?`, userA)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userA, err)
	}
	b, err := getUser(ctx, tx, `WHERE id = ?`, userB)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userB, err)
	}

	now := time.Now().UTC()
	conv := &Conversation{Name: directName(a, b), CreatedAt: now, UpdatedAt: now}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (name, is_group, direct_key, created_at, updated_at) VALUES (?, 0, ?, ?, ?)`,
		conv.Name, key, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	if conv.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading conversation id: %w", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, []int64{userA, userB}, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created direct conversation", "id", conv.ID, "direct_key", key)
	return conv, nil
}

// CreateGroup creates a group conversation. memberIDs must name at least two
// distinct users, the creator included.
func (s *SQLiteStore) CreateGroup(ctx context.Context, name string, memberIDs []int64) (*Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is empty", ErrInvalidInput)
	}
	members := uniqueMembers(memberIDs)
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: group needs at least two members", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	for _, id := range members {
		if _, err := getUser(ctx, tx, `WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("user %d: %w", id, err)
		}
	}

	now := time.Now().UTC()
	conv := &Conversation{Name: name, IsGroup: true, CreatedAt: now, UpdatedAt: now}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (name, is_group, created_at, updated_at) VALUES (?, 1, ?, ?)`,
		name, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	if conv.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading conversation id: %w", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, members, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created group conversation", "id", conv.ID, "members", len(members))
	return conv, nil
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID int64, userIDs []int64, joinedAt time.Time) error {
	for _, uid := range userIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			conversationID, uid, formatTime(joinedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting participant %d: %w", uid, err)
		}
	}
	return nil
}

const conversationColumns = `c.id, c.name, c.is_group, c.created_at, c.updated_at`

func (s *SQLiteStore) getDirect(ctx context.Context, q querier, key string) (*Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.direct_key = ?`, key)
	return scanConversation(row)
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	return scanConversation(row)
}

// ListForUser returns the user's conversations, most recently active first.
func (s *SQLiteStore) ListForUser(ctx context.Context, userID int64) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// ListParticipants returns the members of a conversation in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID int64) ([]*Participant, error) {
	if err := s.conversationExists(ctx, s.db, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.conversation_id, p.user_id, u.username, u.profile_picture, p.joined_at, p.last_read_at
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ?
		ORDER BY p.joined_at, p.user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var parts []*Participant
	for rows.Next() {
		var p Participant
		var joinedAt string
		var lastReadAt sql.NullString
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Username, &p.ProfilePicture, &joinedAt, &lastReadAt); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		if p.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		if lastReadAt.Valid {
			t, err := parseTime(lastReadAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last_read_at: %w", err)
			}
			p.LastReadAt = &t
		}
		parts = append(parts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return parts, nil
}

// IsParticipant reports whether the user is a member of the conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("querying participant: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStore) conversationExists(ctx context.Context, q querier, id int64) error {
	var ok bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, id,
	).Scan(&ok)
	if err != nil {
		return fmt.Errorf("querying conversation: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.IsGroup, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
