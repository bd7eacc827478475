package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"tutorlink/internal/auth"
)

const (
	handshakeTimeout = 10 * time.Second
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
	pingWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is the reverse proxy's job in deployment.
		return true
	},
	HandshakeTimeout: handshakeTimeout,
}

// EventSink receives decoded wire events from connections. The
// dispatcher implements it; the indirection keeps this package free of
// routing logic.
type EventSink interface {
	HandleEvent(ctx context.Context, conn *Connection, event string, data []byte)
	Disconnected(conn *Connection)
}

// Handler upgrades HTTP requests to websocket connections and runs the
// per-connection read pump.
type Handler struct {
	verifier *auth.Verifier
	sink     EventSink
	logger   *slog.Logger
}

func NewHandler(verifier *auth.Verifier, sink EventSink, logger *slog.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		sink:     sink,
		logger:   logger,
	}
}

// ServeHTTP validates the handshake token, upgrades, and hands the
// connection to the read pump. Validation happens before the upgrade
// so rejected clients get proper HTTP status codes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.FromRequest(r)
	if err != nil {
		http.Error(w, "invalid or missing access token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(wsConn, claims.UserID, claims.Role, claims.Name)
	h.logger.Info("connection opened", "user", claims.UserID, "role", claims.Role)

	go h.readPump(conn)
}

// readPump reads frames until the connection dies, forwarding each
// decoded event to the sink. Events on one connection are processed
// sequentially; concurrency exists only across connections.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		h.sink.Disconnected(conn)
		_ = conn.Close()
		h.logger.Info("connection closed", "user", conn.UserID())
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "user", conn.UserID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// Peek at the event name before committing to a payload decode.
		event := gjson.GetBytes(data, "event")
		if !event.Exists() || event.Type != gjson.String {
			conn.SendError("bad_envelope", "frame missing event field")
			continue
		}
		payload := []byte(gjson.GetBytes(data, "data").Raw)

		h.sink.HandleEvent(context.Background(), conn, event.String(), payload)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
