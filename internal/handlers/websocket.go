package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/notify"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin filtering is handled by the CORS layer
	},
}

/* StreamHandlers handles the live notification websocket */
type StreamHandlers struct {
	hub    *notify.Hub
	logger *logging.Logger
}

/* NewStreamHandlers creates new stream handlers */
func NewStreamHandlers(hub *notify.Hub, logger *logging.Logger) *StreamHandlers {
	return &StreamHandlers{hub: hub, logger: logger.WithComponent("stream")}
}

/* Stream upgrades to a websocket delivering notification envelopes.
   ?session_id= limits frames to one session. */
func (h *StreamHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	h.hub.Serve(conn, r.URL.Query().Get("session_id"))
}
