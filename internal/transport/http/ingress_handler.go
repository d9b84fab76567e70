package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/relay"
)

// InternalSecretHeader authenticates out-of-process callers of the
// ingress endpoint.
const InternalSecretHeader = "x-internal-secret"

// allowedIngressTypes is the closed set of event types out-of-process
// handlers may inject. Anything else is rejected even with a valid
// secret.
var allowedIngressTypes = map[string]struct{}{
	relay.TypeNewMessage:               {},
	relay.TypeMessageUpdated:           {},
	relay.TypeThreadReadAck:            {},
	relay.TypeNewNotification:          {},
	relay.TypeUnreadCountUpdate:        {},
	relay.TypeGeneralUnreadCountUpdate: {},
}

// IngressHandlers bridges the CRUD API process into the live relay. It
// is the sole path by which another process reaches the dispatcher.
type IngressHandlers struct {
	secret     string
	dispatcher *relay.Dispatcher
	log        *zerolog.Logger
}

// NewIngressHandlers creates the internal ingress handlers. An empty
// secret leaves the endpoint refusing to operate rather than skipping
// the check.
func NewIngressHandlers(secret string, d *relay.Dispatcher, logger *zerolog.Logger) *IngressHandlers {
	return &IngressHandlers{secret: secret, dispatcher: d, log: logger}
}

// EmitRequest is the ingress request body.
type EmitRequest struct {
	Target  string          `json:"target" binding:"required"`
	UserID  string          `json:"userId"`
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// EmitResponse is the ingress success body. Accepted means dispatched,
// not delivered: the live push is best-effort by contract.
type EmitResponse struct {
	Status string `json:"status"`
}

// Emit handles POST /api/internal/emit.
func (h *IngressHandlers) Emit(c *gin.Context) {
	if h.secret == "" {
		h.log.Error().Msg("internal ingress called but no secret is configured")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "internal ingress is not configured"})
		return
	}

	got := c.GetHeader(InternalSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		h.log.Warn().Str("remote", c.ClientIP()).Msg("internal ingress rejected: bad secret")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid internal secret"})
		return
	}

	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if _, ok := allowedIngressTypes[req.Type]; !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unrecognized event type"})
		return
	}

	var target relay.Target
	switch req.Target {
	case "user":
		if req.UserID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "userId is required for target \"user\""})
			return
		}
		target = relay.UserTarget(req.UserID)
	default:
		target = relay.GroupTarget(req.Target)
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	if err := h.dispatcher.Emit(target, req.Type, payload); err != nil {
		h.log.Error().Err(err).Str("type", req.Type).Msg("ingress emit failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "emit failed"})
		return
	}

	c.JSON(http.StatusAccepted, EmitResponse{Status: "accepted"})
}
