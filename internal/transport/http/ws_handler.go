package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/auth"
	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/relay"
)

// WSHandler upgrades HTTP connections, binds them to a verified identity
// and bridges frames between the socket and the dispatcher.
type WSHandler struct {
	registry     *registry.Registry
	dispatcher   *relay.Dispatcher
	jwtConfig    *auth.JWTConfig
	sendBuffer   int
	writeTimeout time.Duration
	log          *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(reg *registry.Registry, d *relay.Dispatcher, jwtConfig *auth.JWTConfig, sendBuffer int, writeTimeout time.Duration, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		registry:     reg,
		dispatcher:   d,
		jwtConfig:    jwtConfig,
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
		log:          logger,
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	// The token rides in the connection URL; it must verify before the
	// connection reaches the registry.
	claims, err := auth.ValidateToken(h.jwtConfig, r.URL.Query().Get("token"))
	if err != nil {
		h.log.Debug().Err(err).Msg("ws handshake rejected")
		stdhttp.Error(w, "invalid token", stdhttp.StatusUnauthorized)
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer sock.Close(websocket.StatusInternalError, "internal error")

	conn := registry.NewConn(claims.UserID, claims.Role, h.sendBuffer)
	h.registry.Register(conn)
	defer h.registry.Unregister(conn)
	defer conn.Close()

	h.log.Info().
		Str("conn_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("role", conn.Role).
		Msg("ws connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, sock, conn)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, sock, conn)
	}()

	err = <-errCh
	conn.Close() // release the write loop if the read loop exited first
	cancel()
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("ws connection closed with error")
		}
	}

	h.log.Info().Str("conn_id", conn.ID).Str("user_id", conn.UserID).Msg("ws disconnected")
	sock.Close(status, reason)
}

// readLoop feeds inbound frames to the dispatcher. Each handler runs to
// completion before the next frame from this connection is read, so a
// single connection never pipelines its own events.
func (h *WSHandler) readLoop(ctx context.Context, sock *websocket.Conn, conn *registry.Conn) error {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return err
		}
		h.dispatcher.DispatchInbound(ctx, conn, data)
	}
}

// writeLoop is the single writer for this connection; it preserves the
// order frames were pushed by the dispatcher.
func (h *WSHandler) writeLoop(ctx context.Context, sock *websocket.Conn, conn *registry.Conn) error {
	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := sock.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("write ws frame")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
