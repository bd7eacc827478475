// Package dispatcher routes wire events: it validates and persists
// inbound messages, fans them out to session rooms and user-scoped
// connections, and drives the message lifecycle state machine. Every
// send triggers two independent fanouts, the raw message to the room
// and a notification to the recipient's registered connections. The
// two are not transactional; clients deduplicate by message identity.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"tutorlink/internal/session"
	"tutorlink/internal/store"
	ws "tutorlink/internal/websocket"
	"tutorlink/pkg/types"
)

const previewRunes = 80

// Store is the persistence surface the dispatcher needs.
type Store interface {
	Append(ctx context.Context, msg *types.Message, meta *store.SessionMeta) (*types.Message, error)
	History(ctx context.Context, roomKey string, opts store.HistoryOptions) ([]*types.Message, error)
	UpdateStatus(ctx context.Context, messageID, status string) error
	MarkSessionRead(ctx context.Context, roomKey, readerID string) ([]*types.Message, error)
	SessionsForUser(ctx context.Context, userID, role string) ([]*types.ChatSession, error)
	CreateNotification(ctx context.Context, n *types.Notification) (*types.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, userID string) (*types.Notification, error)
}

// Dispatcher implements websocket.EventSink.
type Dispatcher struct {
	registry *ws.Registry
	rooms    *Rooms
	store    Store
	limiter  *RateLimiter
	logger   *slog.Logger
}

func New(registry *ws.Registry, st Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		rooms:    NewRooms(),
		store:    st,
		limiter:  NewRateLimiter(),
		logger:   logger,
	}
}

// RunMaintenance evicts stale rate limiter entries until the context
// is cancelled. Blocking.
func (d *Dispatcher) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.limiter.Cleanup()
		}
	}
}

// HandleEvent processes one decoded frame from a connection. Events on
// a single connection arrive sequentially from its read pump; this
// method is called concurrently across connections.
func (d *Dispatcher) HandleEvent(ctx context.Context, conn *ws.Connection, event string, data []byte) {
	var err error

	switch event {
	case types.EventJoinUser:
		err = d.handleJoinUser(conn, data)
	case types.EventFetchPrivateChats:
		err = d.handleFetchPrivateChats(ctx, conn, data)
	case types.EventJoinPrivateChat:
		err = d.handleJoinPrivateChat(ctx, conn, data)
	case types.EventJoinCommunity:
		err = d.handleJoinCommunity(ctx, conn, data)
	case types.EventSendPrivateMessage:
		err = d.handleSendPrivateMessage(ctx, conn, data)
	case types.EventSendPrivateImage:
		err = d.handleSendPrivateImage(ctx, conn, data)
	case types.EventSendCommunityMessage:
		err = d.handleSendCommunityMessage(ctx, conn, data)
	case types.EventMarkNotificationRead:
		err = d.handleMarkNotificationRead(ctx, conn, data)
	case types.EventMarkSessionRead:
		err = d.handleMarkSessionRead(ctx, conn, data)
	default:
		err = ErrUnknownEvent
	}

	if err != nil {
		d.logger.Warn("event rejected",
			"event", event, "user", conn.UserID(), "error", err)
		var re *roomError
		if errors.As(err, &re) {
			conn.SendRoomError(event, re.roomKey, re.err.Error())
		} else {
			conn.SendError(event, err.Error())
		}
	}
}

// Disconnected cleans up all state tied to a connection. Safe for
// connections that never completed join_user.
func (d *Dispatcher) Disconnected(conn *ws.Connection) {
	d.rooms.LeaveAll(conn)
	d.registry.Unregister(conn)
}

// PublishToSession delivers an event to every connection currently
// joined to the room, isolating per-connection failures. Returns the
// distinct user IDs that received at least one copy.
func (d *Dispatcher) PublishToSession(roomKey, event string, payload any) map[string]bool {
	reached := make(map[string]bool)
	for _, conn := range d.rooms.Members(roomKey) {
		if err := conn.Send(event, payload); err != nil {
			d.logger.Warn("session fanout write failed",
				"room", roomKey, "user", conn.UserID(), "error", err)
			continue
		}
		reached[conn.UserID()] = true
	}
	return reached
}

// PublishToUser delivers an event to every registered connection of a
// user, regardless of room membership. This is the notification path:
// the recipient may be anywhere in the app.
func (d *Dispatcher) PublishToUser(userID, event string, payload any) int {
	delivered := 0
	for _, conn := range d.registry.ConnectionsFor(userID) {
		if err := conn.Send(event, payload); err != nil {
			d.logger.Warn("user fanout write failed",
				"user", userID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) handleJoinUser(conn *ws.Connection, data []byte) error {
	payload, err := decode[types.JoinUserPayload](data)
	if err != nil {
		return err
	}
	// The connection's identity comes from the verified token; the
	// event may not claim anyone else.
	if payload.UserID != conn.UserID() {
		return ErrIdentityMismatch
	}
	if err := d.registry.Register(conn.UserID(), conn); err != nil {
		return err
	}
	conn.MarkJoined()
	d.logger.Info("user joined", "user", conn.UserID(), "role", conn.Role())
	return nil
}

func (d *Dispatcher) handleFetchPrivateChats(ctx context.Context, conn *ws.Connection, data []byte) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	payload, err := decode[types.FetchPrivateChatsPayload](data)
	if err != nil {
		return err
	}
	if payload.TutorID != "" && conn.Role() == types.RoleTutor && payload.TutorID != conn.UserID() {
		return ErrIdentityMismatch
	}

	sessions, err := d.store.SessionsForUser(ctx, conn.UserID(), conn.Role())
	if err != nil {
		return err
	}
	return conn.Send(types.EventPrivateChats, types.PrivateChatsPayload{Sessions: sessions})
}

func (d *Dispatcher) handleJoinPrivateChat(ctx context.Context, conn *ws.Connection, data []byte) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	payload, err := decode[types.JoinPrivateChatPayload](data)
	if err != nil {
		return err
	}
	if err := session.ValidateTriple(payload.CourseID, payload.StudentID, payload.TutorID); err != nil {
		return err
	}
	if conn.UserID() != payload.StudentID && conn.UserID() != payload.TutorID {
		return ErrNotParticipant
	}

	roomKey := session.Key(payload.CourseID, payload.StudentID, payload.TutorID)
	d.rooms.Join(roomKey, conn)

	return d.pushHistory(ctx, conn, roomKey, payload.AfterSeq)
}

func (d *Dispatcher) handleJoinCommunity(ctx context.Context, conn *ws.Connection, data []byte) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	payload, err := decode[types.JoinCommunityPayload](data)
	if err != nil {
		return err
	}
	if !types.IsValidCourseID(payload.CourseID) {
		return types.ErrInvalidCourseID
	}

	roomKey := session.CommunityKey(payload.CourseID)
	d.rooms.Join(roomKey, conn)

	return d.pushHistory(ctx, conn, roomKey, payload.AfterSeq)
}

// pushHistory sends the room's chronological history to one
// connection. A store failure surfaces as an explicit error event so
// the client can tell "no messages" from "load failed".
func (d *Dispatcher) pushHistory(ctx context.Context, conn *ws.Connection, roomKey string, afterSeq int64) error {
	messages, err := d.store.History(ctx, roomKey, store.HistoryOptions{AfterSeq: afterSeq})
	if err != nil {
		return err
	}
	return conn.Send(types.EventPrivateMessageHistory, types.HistoryPayload{
		RoomKey:  roomKey,
		Messages: messages,
	})
}

func (d *Dispatcher) handleSendPrivateMessage(ctx context.Context, conn *ws.Connection, data []byte) error {
	payload, err := decode[types.SendPrivateMessagePayload](data)
	if err != nil {
		return err
	}
	return d.sendPrivate(ctx, conn, privateSend{
		courseID:    payload.CourseID,
		studentID:   payload.StudentID,
		tutorID:     payload.TutorID,
		content:     payload.Content,
		courseTitle: payload.CourseTitle,
		senderName:  payload.SenderName,
	})
}

func (d *Dispatcher) handleSendPrivateImage(ctx context.Context, conn *ws.Connection, data []byte) error {
	payload, err := decode[types.SendPrivateImagePayload](data)
	if err != nil {
		return err
	}
	return d.sendPrivate(ctx, conn, privateSend{
		courseID:    payload.CourseID,
		studentID:   payload.StudentID,
		tutorID:     payload.TutorID,
		imageURL:    payload.ImageURL,
		imageName:   payload.ImageName,
		courseTitle: payload.CourseTitle,
		senderName:  payload.SenderName,
	})
}

type privateSend struct {
	courseID    string
	studentID   string
	tutorID     string
	content     string
	imageURL    string
	imageName   string
	courseTitle string
	senderName  string
}

// sendPrivate runs the full send pipeline: validate, rate limit,
// persist, session fanout, delivered transition, notification fanout.
// Append happens before any publish so a persistence failure reaches
// the sender and nothing is fanned out.
func (d *Dispatcher) sendPrivate(ctx context.Context, conn *ws.Connection, req privateSend) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	if err := session.ValidateTriple(req.courseID, req.studentID, req.tutorID); err != nil {
		return err
	}
	roomKey := session.Key(req.courseID, req.studentID, req.tutorID)
	if conn.UserID() != req.studentID && conn.UserID() != req.tutorID {
		return &roomError{roomKey, ErrNotParticipant}
	}
	if !d.limiter.Allow(conn.UserID()) {
		return &roomError{roomKey, ErrRateLimitExceeded}
	}

	msg := &types.Message{
		PrivateChatID: roomKey,
		Sender:        conn.UserID(),
		SenderRole:    conn.Role(),
		Content:       req.content,
		ImageURL:      req.imageURL,
	}

	meta := &store.SessionMeta{CourseTitle: req.courseTitle}
	senderName := req.senderName
	if senderName == "" {
		senderName = conn.DisplayName()
	}
	if conn.Role() == types.RoleTutor {
		meta.TutorName = senderName
	} else {
		meta.StudentName = senderName
	}

	stored, err := d.store.Append(ctx, msg, meta)
	if err != nil {
		return &roomError{roomKey, err}
	}

	recipient, err := session.Recipient(roomKey, conn.UserID())
	if err != nil {
		return &roomError{roomKey, err}
	}

	// Fanout (a): raw message to everyone watching the room.
	reached := d.PublishToSession(roomKey, types.EventReceivePrivateMessage,
		types.MessagePayload{Message: stored})

	// A live recipient connection in the room is our delivery
	// confirmation. Best effort: a failed transition leaves a stale
	// indicator, never a failed send.
	if reached[recipient] {
		if err := d.store.UpdateStatus(ctx, stored.ID, types.StatusDelivered); err != nil {
			d.logger.Warn("delivered transition failed",
				"message", stored.ID, "error", err)
		} else {
			d.PublishToUser(conn.UserID(), types.EventMessageStatus, types.MessageStatusPayload{
				MessageID: stored.ID,
				RoomKey:   roomKey,
				Status:    types.StatusDelivered,
			})
		}
	}

	// Fanout (b): notification to the recipient wherever they are in
	// the app. Independently failable from fanout (a).
	d.notify(ctx, &types.Notification{
		UserID: recipient,
		Type:   types.NotificationChatMessage,
		Payload: types.NotificationPayload{
			CourseID:   req.courseID,
			SessionKey: roomKey,
			SenderID:   conn.UserID(),
			SenderName: senderName,
			Preview:    preview(stored),
		},
	})

	return nil
}

func (d *Dispatcher) handleSendCommunityMessage(ctx context.Context, conn *ws.Connection, data []byte) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	payload, err := decode[types.SendCommunityMessagePayload](data)
	if err != nil {
		return err
	}
	if !types.IsValidCourseID(payload.CourseID) {
		return types.ErrInvalidCourseID
	}
	roomKey := session.CommunityKey(payload.CourseID)
	if !d.limiter.Allow(conn.UserID()) {
		return &roomError{roomKey, ErrRateLimitExceeded}
	}

	msg := &types.Message{
		CommunityID: roomKey,
		Sender:      conn.UserID(),
		SenderRole:  conn.Role(),
		Content:     payload.Content,
	}

	stored, err := d.store.Append(ctx, msg, nil)
	if err != nil {
		return &roomError{roomKey, err}
	}

	reached := d.PublishToSession(roomKey, types.EventReceiveCommunityMessage,
		types.MessagePayload{Message: stored})

	// Course membership lives outside the engine, so community post
	// notifications cover the users currently subscribed to the room;
	// their other devices get the badge through the user-scoped path.
	senderName := payload.SenderName
	if senderName == "" {
		senderName = conn.DisplayName()
	}
	for userID := range reached {
		if userID == conn.UserID() {
			continue
		}
		d.notify(ctx, &types.Notification{
			UserID: userID,
			Type:   types.NotificationCommunityPost,
			Payload: types.NotificationPayload{
				CourseID:   payload.CourseID,
				SessionKey: roomKey,
				SenderID:   conn.UserID(),
				SenderName: senderName,
				Preview:    preview(stored),
			},
		})
	}

	return nil
}

// notify persists a notification and pushes it to the recipient's
// connections. Both steps are best effort relative to the message
// send that triggered them.
func (d *Dispatcher) notify(ctx context.Context, n *types.Notification) {
	stored, err := d.store.CreateNotification(ctx, n)
	if err != nil {
		d.logger.Error("notification create failed",
			"user", n.UserID, "error", err)
		return
	}
	d.PublishToUser(stored.UserID, types.EventNotification,
		types.NotificationPayloadEvent{Notification: stored})
}

func (d *Dispatcher) handleMarkNotificationRead(ctx context.Context, conn *ws.Connection, data []byte) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	payload, err := decode[types.MarkNotificationReadPayload](data)
	if err != nil {
		return err
	}

	updated, err := d.store.MarkNotificationRead(ctx, payload.NotificationID, conn.UserID())
	if err != nil {
		return err
	}

	// Echo to all of the user's devices so badges converge.
	d.PublishToUser(updated.UserID, types.EventNotificationRead,
		types.NotificationReadPayload{NotificationID: updated.ID})
	return nil
}

func (d *Dispatcher) handleMarkSessionRead(ctx context.Context, conn *ws.Connection, data []byte) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	payload, err := decode[types.MarkSessionReadPayload](data)
	if err != nil {
		return err
	}
	if err := session.ValidateTriple(payload.CourseID, payload.StudentID, payload.TutorID); err != nil {
		return err
	}
	if conn.UserID() != payload.StudentID && conn.UserID() != payload.TutorID {
		return ErrNotParticipant
	}

	roomKey := session.Key(payload.CourseID, payload.StudentID, payload.TutorID)
	transitioned, err := d.store.MarkSessionRead(ctx, roomKey, conn.UserID())
	if err != nil {
		return err
	}

	// One read receipt per message back to its sender's connections,
	// so checkmarks update even if the sender left the room open on
	// another device.
	for _, msg := range transitioned {
		d.PublishToUser(msg.Sender, types.EventMessageStatus, types.MessageStatusPayload{
			MessageID: msg.ID,
			RoomKey:   roomKey,
			Status:    types.StatusRead,
		})
	}
	return nil
}

func preview(msg *types.Message) string {
	if msg.Content == "" {
		return "sent an image"
	}
	if utf8.RuneCountInString(msg.Content) <= previewRunes {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewRunes])
}

func decode[T any](data []byte) (*T, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
