package push

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds each outbound frame so one stalled client
// cannot wedge the push loop.
const DefaultWriteTimeout = 10 * time.Second

// WSTransport adapts a gorilla connection to the Transport interface.
// gorilla permits one concurrent writer, so all writes go through the
// mutex.
type WSTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSTransport wraps an upgraded connection. The transport owns writes;
// the caller keeps reading for client messages and close detection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// Send writes msg as one JSON text frame.
func (t *WSTransport) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(msg)
}

// Close sends a close frame with reason and tears the connection down.
func (t *WSTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	_ = t.conn.WriteMessage(websocket.CloseMessage, data)
	return t.conn.Close()
}

// Handler upgrades requests into push connections. Initial subscriptions
// come from repeated ?policy= query parameters ("*" included); afterwards
// the client drives subscribe, unsubscribe, and heartbeat messages over
// the socket. Protocol-level pongs count as heartbeats too.
//
// Origin checks are left to the fronting proxy; the kernel listens on an
// internal address.
func Handler(svc *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "push")
	upgrader := websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		c := svc.Register(NewWSTransport(conn))
		if ids := r.URL.Query()["policy"]; len(ids) > 0 {
			if err := svc.Subscribe(c.ID, ids...); err != nil {
				logger.Warn("initial subscription failed", "clientId", c.ID, "error", err)
			}
		}
		conn.SetPongHandler(func(string) error {
			return svc.Heartbeat(c.ID)
		})

		readLoop(svc, c.ID, conn, logger)
		svc.Disconnect(c.ID, "connection closed")
	})
}

// readLoop pumps client messages into the service until the connection
// drops. Messages the service rejects are logged and skipped; a read or
// decode failure ends the connection.
func readLoop(svc *Service, clientID string, conn *websocket.Conn, logger *slog.Logger) {
	for {
		var m ClientMessage
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("watch connection read failed", "clientId", clientID, "error", err)
			}
			return
		}
		if err := svc.HandleClientMessage(clientID, m); err != nil {
			logger.Debug("client message rejected",
				"clientId", clientID, "type", m.Type, "error", err)
		}
	}
}
