package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrThreadNotFound is returned when a thread id resolves to nothing.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMessageNotFound is returned when a message id resolves to nothing.
	ErrMessageNotFound = errors.New("message not found")
)

// Thread is a conversation between participants. The relay only reads
// threads; they are created by the main application (or by tests).
type Thread struct {
	ID            string
	Participants  []string
	LastMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is a persisted chat message. Read state is tracked per
// recipient, so a multi-party thread keeps one flag per reader.
type Message struct {
	ID        string
	ThreadID  string
	SenderID  string
	Content   string
	TempID    string // client-assigned, echoed back for optimistic reconciliation; not persisted
	Edited    bool
	EditedAt  *time.Time
	CreatedAt time.Time
}

// Notification is a persisted notification for one user.
type Notification struct {
	ID        string
	UserID    string
	Message   string
	Href      string
	ThreadID  string
	Read      bool
	CreatedAt time.Time
}

// ThreadStore handles thread persistence.
type ThreadStore interface {
	// CreateThread creates a thread with the given participants.
	CreateThread(ctx context.Context, participants []string) (*Thread, error)

	// GetThread retrieves a thread by id.
	GetThread(ctx context.Context, id string) (*Thread, error)

	// IsParticipant reports whether userID belongs to the thread. It
	// returns ErrThreadNotFound when the thread itself does not exist.
	IsParticipant(ctx context.Context, threadID, userID string) (bool, error)

	// Participants lists the thread's participant user ids.
	Participants(ctx context.Context, threadID string) ([]string, error)

	// SetLastMessage updates the thread's denormalized last-message pointer.
	SetLastMessage(ctx context.Context, threadID, messageID string) error
}

// MessageStore handles message persistence.
type MessageStore interface {
	// SaveMessage persists a message and an unread row for each recipient.
	SaveMessage(ctx context.Context, msg *Message, recipients []string) error

	// GetMessage retrieves a message by id.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// UpdateMessageContent replaces the content of an existing message and
	// marks it edited. Returns the updated message.
	UpdateMessageContent(ctx context.Context, id, content string) (*Message, error)

	// MarkThreadRead flips the unread flags userID holds in the thread.
	// Idempotent; returns the number of rows changed.
	MarkThreadRead(ctx context.Context, threadID, userID string) (int64, error)

	// CountUnread counts messages userID has not read yet, across threads.
	CountUnread(ctx context.Context, userID string) (int, error)
}

// NotificationStore handles notification persistence.
type NotificationStore interface {
	// CreateNotification persists a notification.
	CreateNotification(ctx context.Context, n *Notification) error

	// ListUnreadNotifications returns up to limit unread notifications for
	// the user, newest first.
	ListUnreadNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error)

	// MarkAllNotificationsRead flips every unread notification for the
	// user. Returns the number of rows changed.
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// Store aggregates the persistence collaborator interfaces the relay
// depends on. The relay never mutates rows directly; everything goes
// through these operations.
type Store interface {
	ThreadStore
	MessageStore
	NotificationStore

	// Close closes the underlying database connection.
	Close() error
}
