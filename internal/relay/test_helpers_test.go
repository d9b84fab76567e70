package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/store"
	"github.com/decx/relay-server/internal/store/sqlite"
)

func testLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func createTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedThread(t *testing.T, st store.Store, participants ...string) *store.Thread {
	t.Helper()

	thread, err := st.CreateThread(context.Background(), participants)
	if err != nil {
		t.Fatalf("failed to seed thread: %v", err)
	}
	return thread
}

// mustEnvelope waits for the next frame on the connection and decodes it,
// failing the test if the type does not match.
func mustEnvelope(t *testing.T, conn *registry.Conn, wantType string) Envelope {
	t.Helper()

	select {
	case frame, ok := <-conn.Outbound():
		if !ok {
			t.Fatalf("connection closed while waiting for %q", wantType)
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("malformed frame %q: %v", frame, err)
		}
		if env.Type != wantType {
			t.Fatalf("expected event type %q, got %q (payload %s)", wantType, env.Type, env.Payload)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("expected event %q not received", wantType)
		return Envelope{}
	}
}

// noEnvelope asserts that no frame reaches the connection.
func noEnvelope(t *testing.T, conn *registry.Conn) {
	t.Helper()

	select {
	case frame, ok := <-conn.Outbound():
		if ok {
			t.Fatalf("unexpected frame delivered: %s", frame)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func decodePayload[T any](t *testing.T, env Envelope) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %q payload: %v", env.Type, err)
	}
	return out
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}
