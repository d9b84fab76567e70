package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/store"
)

func newTestRelay(t *testing.T, st store.Store) (*registry.Registry, *Dispatcher) {
	t.Helper()

	reg := registry.New()
	d := NewDispatcher(reg, testLogger())
	NewChatHandlers(st, d, testLogger()).Register()
	return reg, d
}

func inbound(t *testing.T, d *Dispatcher, conn *registry.Conn, eventType string, payload any) {
	t.Helper()

	frame, err := json.Marshal(Envelope{Type: eventType, Payload: rawPayload(t, payload)})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	d.DispatchInbound(context.Background(), conn, frame)
}

func TestNewMessageRoundTrip(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	thread := seedThread(t, st, "alice", "bob")

	alice := registry.NewConn("alice", "influencer", 8)
	bobTab1 := registry.NewConn("bob", "brand-owner", 8)
	bobTab2 := registry.NewConn("bob", "brand-owner", 8)
	reg.Register(alice)
	reg.Register(bobTab1)
	reg.Register(bobTab2)

	inbound(t, d, alice, TypeNewMessage, NewMessagePayload{
		ThreadID: thread.ID,
		Content:  "hi",
		TempID:   "tmp-42",
	})

	// Sender echo carries the temp id for optimistic reconciliation.
	echo := decodePayload[MessagePayload](t, mustEnvelope(t, alice, TypeNewMessage))
	if echo.TempID != "tmp-42" || echo.Content != "hi" || echo.SenderID != "alice" {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if echo.ID == "" {
		t.Fatal("echo must carry the persisted message id")
	}

	// Both of bob's tabs get exactly one identical new_message, then the
	// fresh unread count.
	for _, tab := range []*registry.Conn{bobTab1, bobTab2} {
		got := decodePayload[MessagePayload](t, mustEnvelope(t, tab, TypeNewMessage))
		if got.ID != echo.ID || got.Content != "hi" || got.ThreadID != thread.ID {
			t.Fatalf("unexpected fan-out payload: %+v", got)
		}
		count := decodePayload[UnreadCountPayload](t, mustEnvelope(t, tab, TypeUnreadCountUpdate))
		if count.Count != 1 {
			t.Fatalf("expected unread count 1, got %d", count.Count)
		}
		noEnvelope(t, tab)
	}
	noEnvelope(t, alice)

	// Thread's last-message pointer was updated.
	stored, err := st.GetThread(context.Background(), thread.ID)
	if err != nil {
		t.Fatalf("reload thread: %v", err)
	}
	if stored.LastMessageID != echo.ID {
		t.Fatalf("last message pointer not updated: %q", stored.LastMessageID)
	}
}

func TestNewMessageFromNonParticipant(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	thread := seedThread(t, st, "alice", "bob")

	mallory := registry.NewConn("mallory", "influencer", 8)
	bob := registry.NewConn("bob", "brand-owner", 8)
	reg.Register(mallory)
	reg.Register(bob)

	inbound(t, d, mallory, TypeNewMessage, NewMessagePayload{
		ThreadID: thread.ID,
		Content:  "let me in",
		TempID:   "tmp-1",
	})

	env := mustEnvelope(t, mallory, TypeError)
	p := decodePayload[ErrorPayload](t, env)
	if p.Code != ErrCodeNotParticipant || p.TempID != "tmp-1" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
	noEnvelope(t, bob)

	count, err := st.CountUnread(context.Background(), "bob")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if count != 0 {
		t.Fatalf("nothing should persist for a rejected message, unread=%d", count)
	}
}

func TestNewMessageToUnknownThread(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	alice := registry.NewConn("alice", "influencer", 8)
	reg.Register(alice)

	inbound(t, d, alice, TypeNewMessage, NewMessagePayload{
		ThreadID: "ghost",
		Content:  "anyone here?",
		TempID:   "tmp-7",
	})

	p := decodePayload[ErrorPayload](t, mustEnvelope(t, alice, TypeError))
	if p.Code != ErrCodeThreadNotFound || p.TempID != "tmp-7" || p.ThreadID != "ghost" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
}

func TestMarkUnknownThreadRead(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	alice := registry.NewConn("alice", "influencer", 8)
	reg.Register(alice)

	inbound(t, d, alice, TypeMarkThreadAsRead, MarkThreadReadPayload{ThreadID: "ghost"})

	p := decodePayload[ErrorPayload](t, mustEnvelope(t, alice, TypeError))
	if p.Code != ErrCodeThreadNotFound {
		t.Fatalf("expected %s, got %+v", ErrCodeThreadNotFound, p)
	}
	noEnvelope(t, alice)
}

func TestEditMessage(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	thread := seedThread(t, st, "alice", "bob")

	alice := registry.NewConn("alice", "influencer", 8)
	bob := registry.NewConn("bob", "brand-owner", 8)
	reg.Register(alice)
	reg.Register(bob)

	inbound(t, d, alice, TypeNewMessage, NewMessagePayload{ThreadID: thread.ID, Content: "helo", TempID: "t1"})
	sent := decodePayload[MessagePayload](t, mustEnvelope(t, alice, TypeNewMessage))
	mustEnvelope(t, bob, TypeNewMessage)
	mustEnvelope(t, bob, TypeUnreadCountUpdate)

	inbound(t, d, alice, TypeEditMessage, EditMessagePayload{
		MessageID:  sent.ID,
		ThreadID:   thread.ID,
		NewContent: "hello",
	})

	for _, conn := range []*registry.Conn{alice, bob} {
		updated := decodePayload[MessagePayload](t, mustEnvelope(t, conn, TypeMessageUpdated))
		if updated.ID != sent.ID || updated.Content != "hello" || !updated.Edited {
			t.Fatalf("unexpected message_updated: %+v", updated)
		}
	}
}

func TestEditMessageByNonOwner(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	thread := seedThread(t, st, "alice", "bob")

	alice := registry.NewConn("alice", "influencer", 8)
	bob := registry.NewConn("bob", "brand-owner", 8)
	reg.Register(alice)
	reg.Register(bob)

	inbound(t, d, alice, TypeNewMessage, NewMessagePayload{ThreadID: thread.ID, Content: "mine", TempID: "t1"})
	sent := decodePayload[MessagePayload](t, mustEnvelope(t, alice, TypeNewMessage))
	mustEnvelope(t, bob, TypeNewMessage)
	mustEnvelope(t, bob, TypeUnreadCountUpdate)

	inbound(t, d, bob, TypeEditMessage, EditMessagePayload{
		MessageID:  sent.ID,
		ThreadID:   thread.ID,
		NewContent: "hijacked",
	})

	p := decodePayload[ErrorPayload](t, mustEnvelope(t, bob, TypeError))
	if p.Code != ErrCodeNotOwner {
		t.Fatalf("expected %s, got %+v", ErrCodeNotOwner, p)
	}
	noEnvelope(t, alice)

	stored, err := st.GetMessage(context.Background(), sent.ID)
	if err != nil {
		t.Fatalf("reload message: %v", err)
	}
	if stored.Content != "mine" || stored.Edited {
		t.Fatalf("message must be untouched: %+v", stored)
	}
}

func TestEditUnknownMessage(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	alice := registry.NewConn("alice", "influencer", 8)
	reg.Register(alice)

	inbound(t, d, alice, TypeEditMessage, EditMessagePayload{
		MessageID:  "ghost",
		NewContent: "boo",
	})

	p := decodePayload[ErrorPayload](t, mustEnvelope(t, alice, TypeError))
	if p.Code != ErrCodeMessageNotFound {
		t.Fatalf("expected %s, got %+v", ErrCodeMessageNotFound, p)
	}
}

func TestMarkThreadReadIsIdempotent(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, st)

	thread := seedThread(t, st, "alice", "bob")

	alice := registry.NewConn("alice", "influencer", 8)
	bob := registry.NewConn("bob", "brand-owner", 8)
	reg.Register(alice)
	reg.Register(bob)

	for _, text := range []string{"one", "two"} {
		inbound(t, d, alice, TypeNewMessage, NewMessagePayload{ThreadID: thread.ID, Content: text, TempID: text})
		mustEnvelope(t, alice, TypeNewMessage)
		mustEnvelope(t, bob, TypeNewMessage)
		mustEnvelope(t, bob, TypeUnreadCountUpdate)
	}

	inbound(t, d, bob, TypeMarkThreadAsRead, MarkThreadReadPayload{ThreadID: thread.ID})

	ack := decodePayload[ThreadReadAckPayload](t, mustEnvelope(t, alice, TypeThreadReadAck))
	if ack.ThreadID != thread.ID || ack.UserID != "bob" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	count := decodePayload[UnreadCountPayload](t, mustEnvelope(t, bob, TypeUnreadCountUpdate))
	if count.Count != 0 {
		t.Fatalf("expected unread count 0 after read, got %d", count.Count)
	}

	// Second call yields the same persisted state; nothing is double
	// counted.
	inbound(t, d, bob, TypeMarkThreadAsRead, MarkThreadReadPayload{ThreadID: thread.ID})
	mustEnvelope(t, alice, TypeThreadReadAck)
	count = decodePayload[UnreadCountPayload](t, mustEnvelope(t, bob, TypeUnreadCountUpdate))
	if count.Count != 0 {
		t.Fatalf("repeat read changed the count: %d", count.Count)
	}

	changed, err := st.MarkThreadRead(context.Background(), thread.ID, "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if changed != 0 {
		t.Fatalf("expected no rows to change on repeat, got %d", changed)
	}
}

// failingStore simulates an upstream persistence failure on writes.
type failingStore struct {
	store.Store
}

func (f failingStore) SaveMessage(ctx context.Context, msg *store.Message, recipients []string) error {
	return errors.New("disk on fire")
}

func TestNoEmitWhenPersistenceFails(t *testing.T) {
	st := createTestStore(t)
	reg, d := newTestRelay(t, failingStore{st})

	thread := seedThread(t, st, "alice", "bob")

	alice := registry.NewConn("alice", "influencer", 8)
	bob := registry.NewConn("bob", "brand-owner", 8)
	reg.Register(alice)
	reg.Register(bob)

	inbound(t, d, alice, TypeNewMessage, NewMessagePayload{ThreadID: thread.ID, Content: "hi", TempID: "t1"})

	p := decodePayload[ErrorPayload](t, mustEnvelope(t, alice, TypeError))
	if p.Code != ErrCodePersistence || p.TempID != "t1" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
	noEnvelope(t, bob)
}
