package relay

import "encoding/json"

// Envelope is the typed message format exchanged over the live connection
// and over the internal ingress call. Payload shape is fully determined
// by Type; routing never inspects the payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Closed vocabulary of recognized event types.
const (
	// Inbound (client -> relay).
	TypeNewMessage       = "new_message"
	TypeEditMessage      = "edit_message"
	TypeMarkThreadAsRead = "mark_thread_as_read"

	// Outbound (relay -> client). TypeNewMessage is also echoed outbound.
	TypeMessageUpdated           = "message_updated"
	TypeThreadReadAck            = "thread_read_ack"
	TypeNewNotification          = "new_notification"
	TypeUnreadCountUpdate        = "unread_count_update"
	TypeGeneralUnreadCountUpdate = "general_unread_count_update"
	TypeError                    = "error"
)

// NewMessagePayload is the inbound payload for TypeNewMessage. The sender
// identity comes from the authenticated connection, never from here.
type NewMessagePayload struct {
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
	TempID   string `json:"tempId"`
}

// EditMessagePayload is the inbound payload for TypeEditMessage.
type EditMessagePayload struct {
	MessageID  string `json:"messageId"`
	ThreadID   string `json:"threadId"`
	NewContent string `json:"newContent"`
}

// MarkThreadReadPayload is the inbound payload for TypeMarkThreadAsRead.
type MarkThreadReadPayload struct {
	ThreadID string `json:"threadId"`
}

// MessagePayload is the outbound payload for the TypeNewMessage echo and
// for TypeMessageUpdated. TempID is echoed only on the new-message path
// so the sender can reconcile its optimistic entry.
type MessagePayload struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Edited    bool   `json:"edited"`
	TempID    string `json:"tempId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// ThreadReadAckPayload is the outbound payload for TypeThreadReadAck.
type ThreadReadAckPayload struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
}

// UnreadCountPayload is the outbound payload for the unread-count events.
// The server-side count is the source of truth.
type UnreadCountPayload struct {
	Count int `json:"count"`
}

// NotificationPayload is the outbound payload for TypeNewNotification.
type NotificationPayload struct {
	ID       string `json:"id,omitempty"`
	Message  string `json:"message"`
	Href     string `json:"href,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// ErrorPayload is the outbound payload for TypeError. TempID and ThreadID
// are echoed when known so the client can unstick the matching optimistic
// entry instead of leaving it in "sending" forever.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	TempID   string `json:"tempId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}
