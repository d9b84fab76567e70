package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/decx/relay-server/internal/store"
)

// Schema is the relay's persistence schema. Applied on open; every
// statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS threads (
	id              TEXT PRIMARY KEY,
	last_message_id TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS thread_participants (
	thread_id TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	PRIMARY KEY (thread_id, user_id),
	FOREIGN KEY (thread_id) REFERENCES threads(id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	edited     BOOLEAN NOT NULL DEFAULT 0,
	edited_at  DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (thread_id) REFERENCES threads(id)
);

CREATE TABLE IF NOT EXISTS message_recipients (
	message_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	is_read    BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, user_id),
	FOREIGN KEY (message_id) REFERENCES messages(id)
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	message    TEXT NOT NULL,
	href       TEXT NOT NULL DEFAULT '',
	thread_id  TEXT NOT NULL DEFAULT '',
	is_read    BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_recipients_user ON message_recipients(user_id, is_read);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read, created_at DESC);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Tests use it to apply schema plus seed rows in one step.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== ThreadStore implementation ====

// CreateThread creates a thread with the given participants.
func (s *SQLiteStore) CreateThread(ctx context.Context, participants []string) (*store.Thread, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("thread needs at least two participants, got %d", len(participants))
	}

	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO threads (id) VALUES (?)`, id); err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO thread_participants (thread_id, user_id) VALUES (?, ?)`, id, userID); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetThread(ctx, id)
}

// GetThread retrieves a thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	var t store.Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, last_message_id, created_at, updated_at
		FROM threads
		WHERE id = ?
	`, id).Scan(&t.ID, &t.LastMessageID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}

	t.Participants, err = s.Participants(ctx, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// IsParticipant reports whether userID belongs to the thread.
func (s *SQLiteStore) IsParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM thread_participants WHERE thread_id = ? AND user_id = ?
	`, threadID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query participant: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Tell an unknown thread apart from a non-participant.
	var threads int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM threads WHERE id = ?
	`, threadID).Scan(&threads)
	if err != nil {
		return false, fmt.Errorf("query thread: %w", err)
	}
	if threads == 0 {
		return false, store.ErrThreadNotFound
	}
	return false, nil
}

// Participants lists the thread's participant user ids.
func (s *SQLiteStore) Participants(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM thread_participants WHERE thread_id = ? ORDER BY user_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// SetLastMessage updates the thread's denormalized last-message pointer.
func (s *SQLiteStore) SetLastMessage(ctx context.Context, threadID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET last_message_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, messageID, threadID)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrThreadNotFound
	}
	return nil
}

// ==== MessageStore implementation ====

// SaveMessage persists a message and an unread row for each recipient.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message, recipients []string) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ThreadID, msg.SenderID, msg.Content, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, userID := range recipients {
		if userID == msg.SenderID {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_recipients (message_id, user_id, is_read) VALUES (?, ?, 0)
		`, msg.ID, userID); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	var m store.Message
	var editedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, sender_id, content, edited, edited_at, created_at
		FROM messages
		WHERE id = ?
	`, id).Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &m.Edited, &editedAt, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	return &m, nil
}

// UpdateMessageContent replaces the content of an existing message and
// marks it edited.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id, content string) (*store.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, edited = 1, edited_at = CURRENT_TIMESTAMP WHERE id = ?
	`, content, id)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrMessageNotFound
	}
	return s.GetMessage(ctx, id)
}

// MarkThreadRead flips the unread flags userID holds in the thread.
func (s *SQLiteStore) MarkThreadRead(ctx context.Context, threadID, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_recipients
		SET is_read = 1
		WHERE user_id = ?
		  AND is_read = 0
		  AND message_id IN (SELECT id FROM messages WHERE thread_id = ?)
	`, userID, threadID)
	if err != nil {
		return 0, fmt.Errorf("mark thread read: %w", err)
	}
	return res.RowsAffected()
}

// CountUnread counts messages userID has not read yet, across threads.
func (s *SQLiteStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_recipients WHERE user_id = ? AND is_read = 0
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// ==== NotificationStore implementation ====

// CreateNotification persists a notification.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, message, href, thread_id, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Message, n.Href, n.ThreadID, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListUnreadNotifications returns up to limit unread notifications for the
// user, newest first.
func (s *SQLiteStore) ListUnreadNotifications(ctx context.Context, userID string, limit int) ([]*store.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message, href, thread_id, is_read, created_at
		FROM notifications
		WHERE user_id = ? AND is_read = 0
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	out := make([]*store.Notification, 0)
	for rows.Next() {
		var n store.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.Href, &n.ThreadID, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkAllNotificationsRead flips every unread notification for the user.
func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return res.RowsAffected()
}
