package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tutorlink/pkg/types"
)

const (
	sendBufferSize = 100
	writeDeadline  = 5 * time.Second
	enqueueTimeout = time.Second
)

// Connection wraps a websocket connection with a single writer
// goroutine so concurrent fanouts never interleave frames. Identity
// comes from the verified handshake token; a connection only becomes
// visible to fanout after the client sends join_user.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	userID    string
	role      string
	name      string
	joined    bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewConnection wraps an upgraded websocket connection and starts its
// writer goroutine.
func NewConnection(conn *websocket.Conn, userID, role, name string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, sendBufferSize),
		userID:  userID,
		role:    role,
		name:    name,
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	// Cancel first so concurrent Send calls see a dead connection
	// instead of racing a channel close; the buffered channel is left
	// open and simply garbage collected with the connection.
	defer func() {
		c.cancel()
		for len(c.writeCh) > 0 {
			<-c.writeCh
		}
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals an event envelope and queues it for the writer. A full
// buffer means the peer is too slow to keep up; the write is dropped
// with an error rather than blocking fanout to other connections.
func (c *Connection) Send(event string, data any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	env, err := types.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- raw:
		return nil
	case <-time.After(enqueueTimeout):
		return ErrSendBufferFull
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// SendError reports a validation or processing failure to the client.
func (c *Connection) SendError(code, message string) {
	_ = c.Send(types.EventError, types.ErrorPayload{Code: code, Message: message})
}

// SendRoomError reports a failure tied to a specific room, letting the
// client fail the pending message it rendered optimistically.
func (c *Connection) SendRoomError(code, roomKey, message string) {
	_ = c.Send(types.EventError, types.ErrorPayload{Code: code, Message: message, RoomKey: roomKey})
}

// Close shuts the connection down exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// MarkJoined records that the client completed join_user.
func (c *Connection) MarkJoined() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = true
}

// Joined reports whether join_user completed on this connection.
func (c *Connection) Joined() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joined
}

func (c *Connection) UserID() string { return c.userID }

func (c *Connection) Role() string { return c.role }

func (c *Connection) DisplayName() string { return c.name }

// Done exposes the connection's lifetime for goroutines tied to it.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }
