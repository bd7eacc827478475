package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tutorlink/internal/session"
	"tutorlink/pkg/types"
)

const (
	initialBackoff       = 500 * time.Millisecond
	maxBackoff           = 30 * time.Second
	writeTimeout         = 5 * time.Second
	defaultMaxReconnects = 10
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrReconnectFailed = errors.New("failed to connect")
)

// Client maintains the websocket connection for one user and feeds
// inbound frames into its State. On connection loss it reconnects with
// bounded exponential backoff, re-registers, re-joins the open room and
// refetches only the messages after its seq watermark.
type Client struct {
	wsURL  string
	token  string
	selfID string

	state  *State
	logger *slog.Logger

	maxReconnects int
	baseBackoff   time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	openKey string
	rejoin  func(afterSeq int64) *types.Envelope
}

func New(wsURL, token, selfID string, logger *slog.Logger) *Client {
	return &Client{
		wsURL:         wsURL,
		token:         token,
		selfID:        selfID,
		state:         NewState(selfID),
		logger:        logger,
		maxReconnects: defaultMaxReconnects,
		baseBackoff:   initialBackoff,
	}
}

func (c *Client) State() *State {
	return c.state
}

// Connected reports whether a live connection exists right now.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and pumps frames until the context is cancelled,
// reconnecting on failure. Retries are silent up to a bounded number
// of consecutive attempts; past that Run returns ErrReconnectFailed so
// the UI can show an explicit connection failure instead of spinning
// forever. Blocking.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.baseBackoff
	attempts := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if attempts >= c.maxReconnects {
				return fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, attempts, err)
			}
			c.logger.Warn("dial failed", "error", err, "attempt", attempts, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		if err := c.onConnected(conn); err != nil {
			_ = conn.Close()
			attempts++
			if attempts >= c.maxReconnects {
				return fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, attempts, err)
			}
			c.logger.Warn("session restore failed", "error", err, "attempt", attempts)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = c.baseBackoff
		attempts = 0

		err = c.readLoop(ctx, conn)
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("connection lost, reconnecting", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	return conn, err
}

// onConnected replays the registration and subscription the server
// lost with the old connection.
func (c *Client) onConnected(conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	openKey := c.openKey
	rejoin := c.rejoin
	c.mu.Unlock()

	if err := c.write(types.EventJoinUser, types.JoinUserPayload{UserID: c.selfID}); err != nil {
		return err
	}
	if openKey != "" && rejoin != nil {
		env := rejoin(c.state.Watermark(openKey))
		if err := c.writeEnvelope(env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		c.handle(&env)
	}
}

func (c *Client) handle(env *types.Envelope) {
	switch env.Event {
	case types.EventReceivePrivateMessage, types.EventReceiveCommunityMessage:
		var payload types.MessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Message == nil {
			c.logger.Warn("bad message frame", "error", err)
			return
		}
		c.applyWithGapCheck(payload.Message)

	case types.EventPrivateMessageHistory:
		var payload types.HistoryPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("bad history frame", "error", err)
			return
		}
		if !c.state.ApplyHistory(payload.RoomKey, payload.Messages) {
			c.logger.Debug("stale history dropped", "room", payload.RoomKey)
		}

	case types.EventMessageStatus:
		var payload types.MessageStatusPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("bad status frame", "error", err)
			return
		}
		c.state.ApplyStatus(&payload)

	case types.EventNotification:
		var payload types.NotificationPayloadEvent
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Notification == nil {
			c.logger.Warn("bad notification frame", "error", err)
			return
		}
		c.state.ApplyNotification(payload.Notification)

	case types.EventNotificationRead:
		var payload types.NotificationReadPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("bad notification_read frame", "error", err)
			return
		}
		c.state.ApplyNotificationRead(payload.NotificationID)

	case types.EventPrivateChats:
		var payload types.PrivateChatsPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("bad private_chats frame", "error", err)
			return
		}
		c.state.SetSessions(payload.Sessions)

	case types.EventError:
		var payload types.ErrorPayload
		_ = json.Unmarshal(env.Data, &payload)
		c.logger.Warn("server rejected event", "code", payload.Code, "message", payload.Message)
		// A room-scoped rejection means an optimistic message will
		// never be confirmed; surface it as failed instead of leaving
		// it rendered as sent.
		if payload.RoomKey != "" {
			c.state.FailPending(payload.RoomKey)
		}

	default:
		c.logger.Debug("ignoring unknown event", "event", env.Event)
	}
}

// applyWithGapCheck applies a live message and, when its seq implies
// messages were missed, refetches the gap from the old watermark.
func (c *Client) applyWithGapCheck(msg *types.Message) {
	roomKey := msg.RoomKey()
	before := c.state.Watermark(roomKey)
	c.state.ApplyMessage(msg)

	if before > 0 && msg.Seq > before+1 && roomKey == c.state.CurrentRoom() {
		c.mu.Lock()
		rejoin := c.rejoin
		c.mu.Unlock()
		if rejoin != nil {
			if err := c.writeEnvelope(rejoin(before)); err != nil {
				c.logger.Warn("gap refetch failed", "room", roomKey, "error", err)
			}
		}
	}
}

// OpenPrivateChat subscribes to a session room, resets its unread
// counter and marks its messages read on the server.
func (c *Client) OpenPrivateChat(courseID, studentID, tutorID string) error {
	if err := session.ValidateTriple(courseID, studentID, tutorID); err != nil {
		return err
	}
	roomKey := session.Key(courseID, studentID, tutorID)

	c.mu.Lock()
	c.openKey = roomKey
	c.rejoin = func(afterSeq int64) *types.Envelope {
		env, _ := types.NewEnvelope(types.EventJoinPrivateChat, types.JoinPrivateChatPayload{
			CourseID: courseID, StudentID: studentID, TutorID: tutorID, AfterSeq: afterSeq,
		})
		return env
	}
	c.mu.Unlock()

	c.state.OpenRoom(roomKey)

	if err := c.write(types.EventJoinPrivateChat, types.JoinPrivateChatPayload{
		CourseID: courseID, StudentID: studentID, TutorID: tutorID,
	}); err != nil {
		return err
	}
	return c.write(types.EventMarkSessionRead, types.MarkSessionReadPayload{
		CourseID: courseID, StudentID: studentID, TutorID: tutorID,
	})
}

// OpenCommunity subscribes to a course community room.
func (c *Client) OpenCommunity(courseID string) error {
	if !types.IsValidCourseID(courseID) {
		return types.ErrInvalidCourseID
	}
	roomKey := session.CommunityKey(courseID)

	c.mu.Lock()
	c.openKey = roomKey
	c.rejoin = func(afterSeq int64) *types.Envelope {
		env, _ := types.NewEnvelope(types.EventJoinCommunity, types.JoinCommunityPayload{
			CourseID: courseID, AfterSeq: afterSeq,
		})
		return env
	}
	c.mu.Unlock()

	c.state.OpenRoom(roomKey)

	return c.write(types.EventJoinCommunity, types.JoinCommunityPayload{CourseID: courseID})
}

// CloseChat leaves nothing on screen; messages arriving afterwards
// count as unread.
func (c *Client) CloseChat() {
	c.mu.Lock()
	c.openKey = ""
	c.rejoin = nil
	c.mu.Unlock()
	c.state.CloseRoom()
}

// SendPrivateMessage sends text into a session and returns the
// optimistic local message the UI can render immediately.
func (c *Client) SendPrivateMessage(courseID, studentID, tutorID, content, courseTitle, senderName string) (*types.Message, error) {
	if err := session.ValidateTriple(courseID, studentID, tutorID); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, types.ErrEmptyMessage
	}
	roomKey := session.Key(courseID, studentID, tutorID)

	if err := c.write(types.EventSendPrivateMessage, types.SendPrivateMessagePayload{
		CourseID: courseID, StudentID: studentID, TutorID: tutorID,
		Content: content, CourseTitle: courseTitle, SenderName: senderName,
	}); err != nil {
		return nil, err
	}
	return c.state.AddOptimistic("tmp-"+uuid.NewString(), roomKey, content, ""), nil
}

// SendPrivateImage sends an already-uploaded image into a session.
func (c *Client) SendPrivateImage(courseID, studentID, tutorID, imageURL, imageName string) (*types.Message, error) {
	if err := session.ValidateTriple(courseID, studentID, tutorID); err != nil {
		return nil, err
	}
	if imageURL == "" {
		return nil, types.ErrEmptyMessage
	}
	roomKey := session.Key(courseID, studentID, tutorID)

	if err := c.write(types.EventSendPrivateImage, types.SendPrivateImagePayload{
		CourseID: courseID, StudentID: studentID, TutorID: tutorID,
		ImageURL: imageURL, ImageName: imageName,
	}); err != nil {
		return nil, err
	}
	return c.state.AddOptimistic("tmp-"+uuid.NewString(), roomKey, "", imageURL), nil
}

// SendCommunityMessage posts into a course community room.
func (c *Client) SendCommunityMessage(courseID, content string) (*types.Message, error) {
	if !types.IsValidCourseID(courseID) {
		return nil, types.ErrInvalidCourseID
	}
	if content == "" {
		return nil, types.ErrEmptyMessage
	}
	roomKey := session.CommunityKey(courseID)

	if err := c.write(types.EventSendCommunityMessage, types.SendCommunityMessagePayload{
		CourseID: courseID, Content: content,
	}); err != nil {
		return nil, err
	}
	return c.state.AddOptimistic("tmp-"+uuid.NewString(), roomKey, content, ""), nil
}

// FetchPrivateChats asks the server for the session list; the response
// lands in State asynchronously.
func (c *Client) FetchPrivateChats() error {
	return c.write(types.EventFetchPrivateChats, types.FetchPrivateChatsPayload{})
}

// AckNotification marks one notification read on the server; the echo
// updates State on every device.
func (c *Client) AckNotification(notificationID string) error {
	return c.write(types.EventMarkNotificationRead, types.MarkNotificationReadPayload{
		NotificationID: notificationID,
	})
}

func (c *Client) write(event string, payload any) error {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *Client) writeEnvelope(env *types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
