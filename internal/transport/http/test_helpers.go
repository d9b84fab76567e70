package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/auth"
	"github.com/decx/relay-server/internal/config"
	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/relay"
	"github.com/decx/relay-server/internal/store"
	"github.com/decx/relay-server/internal/store/sqlite"
)

const (
	testJWTSecret      = "test-jwt-secret"
	testInternalSecret = "test-internal-secret"
)

type testEnv struct {
	ts       *httptest.Server
	registry *registry.Registry
	store    store.Store
}

func testJWTConfig() *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(testJWTSecret),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	}
}

// startTestEnv wires a full server over an in-memory store. internalSecret
// may be empty to exercise the unconfigured-ingress behavior.
func startTestEnv(t *testing.T, internalSecret string) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.JWTSecret = testJWTSecret
	cfg.JWTIssuer = "test"
	cfg.JWTAudience = "test"
	cfg.InternalSecret = internalSecret

	disabledLogger := zerolog.Nop()

	reg := registry.New()
	dispatcher := relay.NewDispatcher(reg, &disabledLogger)
	relay.NewChatHandlers(st, dispatcher, &disabledLogger).Register()

	server := NewServer(cfg, reg, dispatcher, st, testJWTConfig(), &disabledLogger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, registry: reg, store: st}
}

func mintToken(t *testing.T, userID, role string) string {
	t.Helper()

	token, err := auth.GenerateToken(testJWTConfig(), userID, role)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func (e *testEnv) wsURL(token string) string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws?token=" + token
}

func dialWS(t *testing.T, ctx context.Context, env *testEnv, token string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, env.wsURL(token), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) relay.Envelope {
	t.Helper()

	var env relay.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if env.Type != wantType {
		t.Fatalf("expected event %q, got %q (payload %s)", wantType, env.Type, env.Payload)
	}
	return env
}

func seedTestThread(t *testing.T, st store.Store, participants ...string) *store.Thread {
	t.Helper()

	thread, err := st.CreateThread(context.Background(), participants)
	if err != nil {
		t.Fatalf("failed to seed thread: %v", err)
	}
	return thread
}

// waitForConnections polls until the registry holds want connections.
func waitForConnections(t *testing.T, reg *registry.Registry, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Len() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry never reached %d connections (have %d)", want, reg.Len())
}
