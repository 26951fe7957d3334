package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/onnwee/riskaudit/internal/events"
	"github.com/onnwee/riskaudit/internal/middleware"
)

// AlertFeed registers live feed connections.
type AlertFeed interface {
	Add(conn events.Conn)
	Remove(conn events.Conn)
}

// AlertHandlers streams security events to connected WebSocket clients.
type AlertHandlers struct {
	feed     AlertFeed
	upgrader websocket.Upgrader
}

// NewAlertHandlers creates alert handlers. Origins in allowedOrigins may
// connect from a browser; when empty only same-origin requests are accepted.
func NewAlertHandlers(feed AlertFeed, allowedOrigins []string) *AlertHandlers {
	h := &AlertHandlers{
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
	return h
}

// Subscribe handles GET /api/v1/alerts/ws. The connection receives every
// published security event until the client disconnects.
func (h *AlertHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}

	h.feed.Add(conn)

	requestID := middleware.GetRequestID(ctx)
	identityID := ""
	if identity, ok := middleware.GetIdentity(ctx); ok {
		identityID = identity.ID
	}
	slog.InfoContext(ctx, "alert feed client subscribed",
		"identity", identityID,
		"request_id", requestID,
	)

	defer func() {
		h.feed.Remove(conn)
		conn.Close()
		slog.InfoContext(ctx, "alert feed client unsubscribed",
			"identity", identityID,
			"request_id", requestID,
		)
	}()

	// Clients never send data; reading detects disconnects and handles control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(ctx, "alert feed connection closed unexpectedly", "error", err)
			}
			return
		}
	}
}
