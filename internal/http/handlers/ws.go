package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roadside_dispatch/backend/internal/http/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced by the gateway
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and subscribes it to the caller's events.
func (h *Handler) ServeWS(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetString(middleware.CallerIDKey)
	}
	if userID == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "user_id required", nil)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	h.Hub.Attach(userID, conn)
}
