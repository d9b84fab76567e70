package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/store"
)

// ChatHandlers holds the business logic behind the inbound chat events.
// Persistence goes through the store collaborator; its success is a
// precondition for every emit.
type ChatHandlers struct {
	store store.Store
	d     *Dispatcher
	log   *zerolog.Logger
}

// NewChatHandlers builds the chat relay handlers.
func NewChatHandlers(st store.Store, d *Dispatcher, logger *zerolog.Logger) *ChatHandlers {
	return &ChatHandlers{store: st, d: d, log: logger}
}

// Register wires the handlers into the dispatcher's inbound table.
func (h *ChatHandlers) Register() {
	h.d.Handle(TypeNewMessage, h.HandleNewMessage)
	h.d.Handle(TypeEditMessage, h.HandleEditMessage)
	h.d.Handle(TypeMarkThreadAsRead, h.HandleMarkThreadRead)
}

// HandleNewMessage validates thread membership, persists the message and
// the thread's last-message pointer, then fans the persisted message out
// to the sender (echo, with tempId for optimistic reconciliation) and to
// every other participant, followed by fresh unread counts for the
// recipients.
func (h *ChatHandlers) HandleNewMessage(ctx context.Context, conn *registry.Conn, payload json.RawMessage) {
	var p NewMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.warn(conn, err, "bad new_message payload")
		h.d.EmitError(conn, relayError(ErrCodeBadPayload, "bad new_message payload"), p.TempID, p.ThreadID)
		return
	}
	if p.ThreadID == "" || p.Content == "" {
		h.d.EmitError(conn, relayError(ErrCodeBadPayload, "threadId and content are required"), p.TempID, p.ThreadID)
		return
	}

	ok, err := h.store.IsParticipant(ctx, p.ThreadID, conn.UserID)
	if errors.Is(err, store.ErrThreadNotFound) {
		h.d.EmitError(conn, relayError(ErrCodeThreadNotFound, "thread not found"), p.TempID, p.ThreadID)
		return
	}
	if err != nil {
		h.warn(conn, err, "participant lookup failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "could not validate thread"), p.TempID, p.ThreadID)
		return
	}
	if !ok {
		h.log.Warn().
			Str("user_id", conn.UserID).
			Str("thread_id", p.ThreadID).
			Msg("new_message from non-participant")
		h.d.EmitError(conn, relayError(ErrCodeNotParticipant, "not a participant of this thread"), p.TempID, p.ThreadID)
		return
	}

	participants, err := h.store.Participants(ctx, p.ThreadID)
	if err != nil {
		h.warn(conn, err, "participants lookup failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "could not load thread participants"), p.TempID, p.ThreadID)
		return
	}

	msg := &store.Message{
		ThreadID: p.ThreadID,
		SenderID: conn.UserID,
		Content:  p.Content,
		TempID:   p.TempID,
	}
	if err := h.store.SaveMessage(ctx, msg, participants); err != nil {
		h.warn(conn, err, "save message failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "message was not saved"), p.TempID, p.ThreadID)
		return
	}
	if err := h.store.SetLastMessage(ctx, p.ThreadID, msg.ID); err != nil {
		h.warn(conn, err, "update last-message pointer failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "message was not saved"), p.TempID, p.ThreadID)
		return
	}

	out := messagePayload(msg)
	out.TempID = p.TempID

	// Echo to the sender's own connections first (multi-tab sync / ack),
	// then fan out to the other participants.
	_ = h.d.Emit(UserTarget(conn.UserID), TypeNewMessage, out)
	for _, userID := range participants {
		if userID == conn.UserID {
			continue
		}
		_ = h.d.Emit(UserTarget(userID), TypeNewMessage, out)

		count, err := h.store.CountUnread(ctx, userID)
		if err != nil {
			h.warn(conn, err, "count unread failed")
			continue
		}
		_ = h.d.Emit(UserTarget(userID), TypeUnreadCountUpdate, UnreadCountPayload{Count: count})
	}
}

// HandleEditMessage validates message ownership, persists the edit and
// pushes the updated message to every thread participant.
func (h *ChatHandlers) HandleEditMessage(ctx context.Context, conn *registry.Conn, payload json.RawMessage) {
	var p EditMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.warn(conn, err, "bad edit_message payload")
		h.d.EmitError(conn, relayError(ErrCodeBadPayload, "bad edit_message payload"), "", p.ThreadID)
		return
	}
	if p.MessageID == "" || p.NewContent == "" {
		h.d.EmitError(conn, relayError(ErrCodeBadPayload, "messageId and newContent are required"), "", p.ThreadID)
		return
	}

	msg, err := h.store.GetMessage(ctx, p.MessageID)
	if errors.Is(err, store.ErrMessageNotFound) {
		h.d.EmitError(conn, relayError(ErrCodeMessageNotFound, "message not found"), "", p.ThreadID)
		return
	}
	if err != nil {
		h.warn(conn, err, "message lookup failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "could not load message"), "", p.ThreadID)
		return
	}
	if msg.SenderID != conn.UserID {
		h.log.Warn().
			Str("user_id", conn.UserID).
			Str("message_id", msg.ID).
			Msg("edit_message from non-owner")
		h.d.EmitError(conn, relayError(ErrCodeNotOwner, "only the sender can edit a message"), "", msg.ThreadID)
		return
	}

	updated, err := h.store.UpdateMessageContent(ctx, msg.ID, p.NewContent)
	if err != nil {
		h.warn(conn, err, "update message failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "edit was not saved"), "", msg.ThreadID)
		return
	}

	participants, err := h.store.Participants(ctx, updated.ThreadID)
	if err != nil {
		h.warn(conn, err, "participants lookup failed")
		return
	}
	out := messagePayload(updated)
	for _, userID := range participants {
		_ = h.d.Emit(UserTarget(userID), TypeMessageUpdated, out)
	}
}

// HandleMarkThreadRead persists the caller's read flags for a thread,
// tells the other participants via a read ack, and refreshes the
// caller's own unread count. Repeats are harmless: the flag update is
// idempotent and counts are always recomputed from the store.
func (h *ChatHandlers) HandleMarkThreadRead(ctx context.Context, conn *registry.Conn, payload json.RawMessage) {
	var p MarkThreadReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.warn(conn, err, "bad mark_thread_as_read payload")
		h.d.EmitError(conn, relayError(ErrCodeBadPayload, "bad mark_thread_as_read payload"), "", p.ThreadID)
		return
	}
	if p.ThreadID == "" {
		h.d.EmitError(conn, relayError(ErrCodeBadPayload, "threadId is required"), "", "")
		return
	}

	ok, err := h.store.IsParticipant(ctx, p.ThreadID, conn.UserID)
	if errors.Is(err, store.ErrThreadNotFound) {
		h.d.EmitError(conn, relayError(ErrCodeThreadNotFound, "thread not found"), "", p.ThreadID)
		return
	}
	if err != nil {
		h.warn(conn, err, "participant lookup failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "could not validate thread"), "", p.ThreadID)
		return
	}
	if !ok {
		h.d.EmitError(conn, relayError(ErrCodeNotParticipant, "not a participant of this thread"), "", p.ThreadID)
		return
	}

	if _, err := h.store.MarkThreadRead(ctx, p.ThreadID, conn.UserID); err != nil {
		h.warn(conn, err, "mark thread read failed")
		h.d.EmitError(conn, relayError(ErrCodePersistence, "read state was not saved"), "", p.ThreadID)
		return
	}

	participants, err := h.store.Participants(ctx, p.ThreadID)
	if err != nil {
		h.warn(conn, err, "participants lookup failed")
		return
	}
	ack := ThreadReadAckPayload{ThreadID: p.ThreadID, UserID: conn.UserID}
	for _, userID := range participants {
		if userID == conn.UserID {
			continue
		}
		_ = h.d.Emit(UserTarget(userID), TypeThreadReadAck, ack)
	}

	count, err := h.store.CountUnread(ctx, conn.UserID)
	if err != nil {
		h.warn(conn, err, "count unread failed")
		return
	}
	_ = h.d.Emit(UserTarget(conn.UserID), TypeUnreadCountUpdate, UnreadCountPayload{Count: count})
}

func (h *ChatHandlers) warn(conn *registry.Conn, err error, msg string) {
	h.log.Warn().Err(err).
		Str("conn_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg(msg)
}

func messagePayload(msg *store.Message) MessagePayload {
	return MessagePayload{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Edited:    msg.Edited,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	}
}
