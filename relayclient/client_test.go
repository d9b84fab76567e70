package relayclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/auth"
	"github.com/decx/relay-server/internal/config"
	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/relay"
	"github.com/decx/relay-server/internal/store"
	"github.com/decx/relay-server/internal/store/sqlite"
	transport "github.com/decx/relay-server/internal/transport/http"
)

const testSecret = "client-test-secret"

type serverEnv struct {
	ts         *httptest.Server
	registry   *registry.Registry
	dispatcher *relay.Dispatcher
	store      store.Store
}

func testJWTConfig() *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(testSecret),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	}
}

func startServer(t *testing.T) *serverEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.JWTIssuer = "test"
	cfg.JWTAudience = "test"

	disabledLogger := zerolog.Nop()

	reg := registry.New()
	dispatcher := relay.NewDispatcher(reg, &disabledLogger)
	relay.NewChatHandlers(st, dispatcher, &disabledLogger).Register()

	server := transport.NewServer(cfg, reg, dispatcher, st, testJWTConfig(), &disabledLogger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &serverEnv{ts: ts, registry: reg, dispatcher: dispatcher, store: st}
}

func (e *serverEnv) wsURL() string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()

	token, err := auth.GenerateToken(testJWTConfig(), userID, auth.RoleInfluencer)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

// startClient builds a client, runs it in its own goroutine and blocks
// until it reports connected.
func startClient(t *testing.T, env *serverEnv, userID string, opts Options) (*Client, <-chan Event) {
	t.Helper()

	events := make(chan Event, 16)
	opts.URL = env.wsURL()
	opts.Token = mintToken(t, userID)
	userOnEvent := opts.OnEvent
	opts.OnEvent = func(ev Event) {
		if userOnEvent != nil {
			userOnEvent(ev)
		}
		events <- ev
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2}
	}

	client, err := New(opts)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	waitFor(t, func() bool { return client.IsConnected() }, "client never connected")
	return client, events
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func nextEvent(t *testing.T, events <-chan Event, wantType string) Event {
	t.Helper()

	select {
	case ev := <-events:
		if ev.Type != wantType {
			t.Fatalf("expected event %q, got %q (payload %s)", wantType, ev.Type, ev.Payload)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q event", wantType)
		return Event{}
	}
}

func TestClientReceivesEmittedEvents(t *testing.T) {
	env := startServer(t)
	client, events := startClient(t, env, "alice", Options{})

	if err := env.dispatcher.Emit(relay.UserTarget("alice"), relay.TypeNewNotification, relay.NotificationPayload{
		ID:      "n1",
		Message: "new collaboration request",
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	ev := nextEvent(t, events, relay.TypeNewNotification)
	if !strings.Contains(string(ev.Payload), "collaboration") {
		t.Fatalf("unexpected payload: %s", ev.Payload)
	}

	last, ok := client.LastEvent()
	if !ok || last.Type != relay.TypeNewNotification {
		t.Fatalf("last event slot not updated: %+v ok=%v", last, ok)
	}
}

func TestLastEventSlotKeepsOnlyLatest(t *testing.T) {
	env := startServer(t)
	client, events := startClient(t, env, "alice", Options{})

	env.dispatcher.Emit(relay.UserTarget("alice"), relay.TypeUnreadCountUpdate, relay.UnreadCountPayload{Count: 1})
	env.dispatcher.Emit(relay.UserTarget("alice"), relay.TypeGeneralUnreadCountUpdate, relay.UnreadCountPayload{Count: 5})

	nextEvent(t, events, relay.TypeUnreadCountUpdate)
	nextEvent(t, events, relay.TypeGeneralUnreadCountUpdate)

	last, ok := client.LastEvent()
	if !ok || last.Type != relay.TypeGeneralUnreadCountUpdate {
		t.Fatalf("slot should hold the latest event, got %+v", last)
	}
}

func TestSendFailsWhileDisconnected(t *testing.T) {
	client, err := New(Options{URL: "ws://localhost:1/ws", Token: "whatever"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.SendNewMessage(context.Background(), "t1", "hello", "tmp1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendNewMessageRoundTrip(t *testing.T) {
	env := startServer(t)

	thread, err := env.store.CreateThread(context.Background(), []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("failed to seed thread: %v", err)
	}

	client, events := startClient(t, env, "alice", Options{})

	if err := client.SendNewMessage(context.Background(), thread.ID, "hi bob", "tmp-1"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := nextEvent(t, events, relay.TypeNewMessage)
	if !strings.Contains(string(ev.Payload), `"tempId":"tmp-1"`) {
		t.Fatalf("echo must carry the temp id, got %s", ev.Payload)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	env := startServer(t)

	var states []State
	stateCh := make(chan State, 16)
	client, _ := startClient(t, env, "alice", Options{
		OnStateChange: func(s State) { stateCh <- s },
	})

	// Drop the server side of every connection; the client should notice
	// and come back on its own.
	for _, conn := range env.registry.ConnectionsFor("alice") {
		conn.Close()
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-stateCh:
			states = append(states, s)
		case <-deadline:
			t.Fatalf("never reconnected; transitions seen: %v", states)
		}
		if len(states) >= 3 &&
			states[len(states)-1] == StateConnected &&
			containsState(states, StateDisconnected) {
			break
		}
	}

	waitFor(t, func() bool { return len(env.registry.ConnectionsFor("alice")) == 1 },
		"server never saw the reconnected session")
	if !client.IsConnected() {
		t.Fatal("client should report connected after the reconnect")
	}
}

func containsState(states []State, want State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}

func TestReconnectBudgetResetsAfterSuccessfulSession(t *testing.T) {
	env := startServer(t)
	client, _ := startClient(t, env, "alice", Options{
		Backoff: Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2, MaxAttempts: 3},
	})

	// More drops than the ceiling allows. Each session in between reaches
	// connected, so the consecutive-failure budget starts over every time
	// and the client must outlive all of them.
	for cycle := 0; cycle < 4; cycle++ {
		conns := env.registry.ConnectionsFor("alice")
		if len(conns) != 1 {
			t.Fatalf("cycle %d: expected 1 connection, got %d", cycle, len(conns))
		}
		dropped := conns[0]
		dropped.Close()

		waitFor(t, func() bool {
			current := env.registry.ConnectionsFor("alice")
			return len(current) == 1 && current[0] != dropped
		}, "client never came back after the drop")
	}

	if !client.IsConnected() {
		t.Fatal("client must survive non-consecutive drops")
	}
}

func TestRunStopsAtReconnectCeiling(t *testing.T) {
	client, err := New(Options{
		URL:   "ws://127.0.0.1:1/ws",
		Token: "whatever",
		Backoff: Backoff{
			Initial:     time.Millisecond,
			Max:         5 * time.Millisecond,
			Factor:      2,
			MaxAttempts: 3,
		},
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Run(ctx); err == nil || ctx.Err() != nil {
		t.Fatalf("Run must return the exhaustion error before the context deadline, got %v", err)
	}
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected after giving up, got %v", client.State())
	}
}

func TestFetchStateAndMarkAllRead(t *testing.T) {
	env := startServer(t)
	ctx := context.Background()

	for _, msg := range []string{"first", "second"} {
		if err := env.store.CreateNotification(ctx, &store.Notification{
			UserID:  "alice",
			Message: msg,
		}); err != nil {
			t.Fatalf("failed to seed notification: %v", err)
		}
	}

	client, err := New(Options{URL: env.wsURL(), Token: mintToken(t, "alice")})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	state, err := client.FetchState(ctx)
	if err != nil {
		t.Fatalf("fetch state: %v", err)
	}
	if len(state.Notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(state.Notifications))
	}
	if state.UnreadMessageCount != 0 {
		t.Fatalf("expected no unread messages, got %d", state.UnreadMessageCount)
	}

	modified, err := client.MarkAllRead(ctx)
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if modified != 2 {
		t.Fatalf("expected 2 modified notifications, got %d", modified)
	}

	state, err = client.FetchState(ctx)
	if err != nil {
		t.Fatalf("fetch state after read-all: %v", err)
	}
	if len(state.Notifications) != 0 {
		t.Fatalf("expected no unread notifications, got %d", len(state.Notifications))
	}
}
