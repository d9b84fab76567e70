package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/store"
)

// StateHandlers serves the initial-state REST contract the reconnect
// companion consumes on load.
type StateHandlers struct {
	store store.Store
	limit int
	log   *zerolog.Logger
}

// NewStateHandlers creates the state handlers. limit caps how many
// unread notifications a single response carries.
func NewStateHandlers(st store.Store, limit int, logger *zerolog.Logger) *StateHandlers {
	if limit <= 0 {
		limit = 20
	}
	return &StateHandlers{store: st, limit: limit, log: logger}
}

// NotificationResponse is one notification in API responses.
type NotificationResponse struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Href      string    `json:"href,omitempty"`
	ThreadID  string    `json:"threadId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserStateResponse is the initial real-time state for a session.
type UserStateResponse struct {
	Notifications      []NotificationResponse `json:"notifications"`
	UnreadMessageCount int                    `json:"unreadMessageCount"`
}

// ReadAllResponse reports how many notifications a read-all flipped.
type ReadAllResponse struct {
	Message       string `json:"message"`
	ModifiedCount int64  `json:"modifiedCount"`
}

// UserState handles GET /api/user-state.
func (h *StateHandlers) UserState(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	notifications, err := h.store.ListUnreadNotifications(c.Request.Context(), userID, h.limit)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to list notifications")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	count, err := h.store.CountUnread(c.Request.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to count unread messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	resp := UserStateResponse{
		Notifications:      make([]NotificationResponse, 0, len(notifications)),
		UnreadMessageCount: count,
	}
	for _, n := range notifications {
		resp.Notifications = append(resp.Notifications, NotificationResponse{
			ID:        n.ID,
			Message:   n.Message,
			Href:      n.Href,
			ThreadID:  n.ThreadID,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// ReadAll handles POST /api/notifications/read-all.
func (h *StateHandlers) ReadAll(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	modified, err := h.store.MarkAllNotificationsRead(c.Request.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to mark notifications read")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, ReadAllResponse{
		Message:       "All notifications marked as read.",
		ModifiedCount: modified,
	})
}
