package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleEvents returns an HTTP handler that upgrades connections to WebSocket
// and runs them as Hub clients. Callers authenticate with the API key header
// before the upgrade, so browser origin checks do not apply.
func HandleEvents(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn)
		client.Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
