package realtime

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origins are admitted by the router's CORS policy; the upgrade
	// itself is gated on the account and token parameters.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleUpgrade accepts a browser websocket connection. Upgrades missing the
// accountId or token query parameters are rejected before the handshake.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if accountID == "" || token == "" {
		http.Error(w, "accountId and token are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.Attach(conn, accountID, token)
}
