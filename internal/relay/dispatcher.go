// Package relay implements the event envelope, the dispatcher that fans
// events out to live connections, and the chat relay handlers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/registry"
)

// TargetKind selects how an outbound target is resolved.
type TargetKind int

const (
	// TargetUser resolves to every live connection of a single user.
	TargetUser TargetKind = iota
	// TargetGroup resolves to every connection whose role matches.
	TargetGroup
	// TargetConn resolves to exactly one connection (error replies).
	TargetConn
)

// Target is an outbound destination, resolved against the registry
// snapshot at dispatch time. Targets with no open connection are
// silently dropped.
type Target struct {
	Kind   TargetKind
	UserID string
	Group  string
	Conn   *registry.Conn
}

// UserTarget addresses all connections of one user.
func UserTarget(userID string) Target {
	return Target{Kind: TargetUser, UserID: userID}
}

// GroupTarget addresses all connections holding the given role, e.g.
// "admins" maps to the admin role.
func GroupTarget(group string) Target {
	return Target{Kind: TargetGroup, Group: group}
}

// ConnTarget addresses a single connection.
func ConnTarget(conn *registry.Conn) Target {
	return Target{Kind: TargetConn, Conn: conn}
}

// Handler processes one inbound event. Handlers run to completion for a
// given frame; the transport read loop serializes frames per connection.
type Handler func(ctx context.Context, conn *registry.Conn, payload json.RawMessage)

// Dispatcher routes inbound envelopes to handlers and serializes
// outbound events to targeted connections.
type Dispatcher struct {
	registry *registry.Registry
	handlers map[string]Handler
	log      *zerolog.Logger
}

// NewDispatcher builds a dispatcher over the given registry. Handlers
// are registered at startup, before any connection is accepted.
func NewDispatcher(reg *registry.Registry, logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		handlers: make(map[string]Handler),
		log:      logger,
	}
}

// Handle registers the handler for an inbound event type. Not safe for
// concurrent use with DispatchInbound; call during wiring only.
func (d *Dispatcher) Handle(eventType string, h Handler) {
	d.handlers[eventType] = h
}

// DispatchInbound parses a raw frame and routes it to the registered
// handler. Malformed frames and unknown types never crash the
// connection: they are logged, and malformed JSON additionally gets an
// error envelope back to the sender.
func (d *Dispatcher) DispatchInbound(ctx context.Context, conn *registry.Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.log.Warn().Err(err).
			Str("conn_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("malformed inbound frame")
		d.EmitError(conn, relayError(ErrCodeBadPayload, "malformed event envelope"), "", "")
		return
	}

	h, ok := d.handlers[env.Type]
	if !ok {
		d.log.Debug().
			Str("type", env.Type).
			Str("conn_id", conn.ID).
			Msg("ignoring unrecognized event type")
		return
	}

	h(ctx, conn, env.Payload)
}

// Emit serializes {type, payload} once and writes it to every resolved
// connection whose transport is open. Closed connections are skipped
// without error, and a target with zero connections is a no-op. Returns
// an error only when the payload cannot be serialized.
func (d *Dispatcher) Emit(target Target, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	conns := d.resolve(target)
	delivered := 0
	for _, c := range conns {
		if c.Push(frame) {
			delivered++
		}
	}

	d.log.Debug().
		Str("type", eventType).
		Int("resolved", len(conns)).
		Int("delivered", delivered).
		Msg("emit")
	return nil
}

// EmitError sends an error envelope to a single connection, echoing the
// temp id and thread id when known. Delivery is best-effort.
func (d *Dispatcher) EmitError(conn *registry.Conn, relayErr *Error, tempID, threadID string) {
	_ = d.Emit(ConnTarget(conn), TypeError, ErrorPayload{
		Code:     relayErr.Code,
		Message:  relayErr.Message,
		TempID:   tempID,
		ThreadID: threadID,
	})
}

func (d *Dispatcher) resolve(target Target) []*registry.Conn {
	switch target.Kind {
	case TargetUser:
		return d.registry.ConnectionsFor(target.UserID)
	case TargetGroup:
		return d.registry.GroupMembers(groupRole(target.Group))
	case TargetConn:
		if target.Conn == nil {
			return nil
		}
		return []*registry.Conn{target.Conn}
	default:
		return nil
	}
}

// groupRole maps wire-level group names to the role claim they match.
func groupRole(group string) string {
	switch group {
	case "admins":
		return "admin"
	default:
		return group
	}
}
