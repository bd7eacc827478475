// Package client implements the engine's client-side reconciliation
// layer: a connection manager plus local state that absorbs the
// server's at-least-once, dual-fanout delivery into a consistent view.
// Messages are deduplicated by server identity, optimistic local sends
// are matched to their server echo, and per-session unread counters
// follow which room is on screen.
package client

import (
	"sync"
	"time"

	"tutorlink/internal/session"
	"tutorlink/pkg/types"
)

// optimisticMatchWindow bounds how far apart a local send and its
// server echo may be and still be considered the same message.
const optimisticMatchWindow = 10 * time.Second

// State is the reconciled local view. All methods are safe for
// concurrent use; the event loop writes, the UI reads snapshots.
type State struct {
	mu sync.Mutex

	selfID string

	sessions []*types.ChatSession
	unread   map[string]int

	messages  map[string][]*types.Message
	seen      map[string]struct{}
	watermark map[string]int64

	pending []*types.Message

	notifications []*types.Notification
	seenNotifs    map[string]struct{}

	openRoom string
}

func NewState(selfID string) *State {
	return &State{
		selfID:     selfID,
		unread:     make(map[string]int),
		messages:   make(map[string][]*types.Message),
		seen:       make(map[string]struct{}),
		watermark:  make(map[string]int64),
		seenNotifs: make(map[string]struct{}),
	}
}

// OpenRoom marks a room as on screen. Unread for that room resets; the
// caller is responsible for telling the server via mark_session_read.
func (s *State) OpenRoom(roomKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openRoom = roomKey
	s.unread[roomKey] = 0
}

// CloseRoom marks no room as on screen.
func (s *State) CloseRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openRoom = ""
}

func (s *State) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openRoom
}

// Watermark is the highest seq observed for a room; reconnects ask the
// server for messages after it.
func (s *State) Watermark(roomKey string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark[roomKey]
}

// AddOptimistic registers a locally-sent message under a temporary ID
// so the UI can render it before the server echo arrives. It stays
// pending until the echo confirms it or FailPending rejects it.
func (s *State) AddOptimistic(tempID, roomKey, content, imageURL string) *types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &types.Message{
		ID:        tempID,
		Sender:    s.selfID,
		Content:   content,
		ImageURL:  imageURL,
		Timestamp: time.Now().UTC(),
		Status:    types.StatusPending,
	}
	if session.IsCommunityKey(roomKey) {
		msg.CommunityID = roomKey
	} else {
		msg.PrivateChatID = roomKey
	}
	s.pending = append(s.pending, msg)
	s.appendLocked(roomKey, msg)
	return msg
}

// FailPending marks the room's pending messages as failed after the
// server rejected a send there. Failed messages stay in the buffer so
// the user sees what did not go through and can retry; they are no
// longer candidates for echo resolution. Returns how many failed.
func (s *State) FailPending(roomKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.RoomKey() != roomKey {
			kept = append(kept, p)
			continue
		}
		s.replaceStatusLocked(roomKey, p.ID, types.StatusFailed)
		failed++
	}
	s.pending = kept
	return failed
}

// replaceStatusLocked swaps the buffer entry for a copy with the new
// status. Published messages stay immutable so snapshot readers never
// race a status change.
func (s *State) replaceStatusLocked(roomKey, messageID, status string) {
	buf := s.messages[roomKey]
	for i, m := range buf {
		if m.ID == messageID {
			updated := *m
			updated.Status = status
			buf[i] = &updated
			return
		}
	}
}

// ApplyMessage reconciles one fanned-out message. Returns true if it
// changed state; duplicates from redelivery or the notification path
// racing the room path are dropped by server ID.
func (s *State) ApplyMessage(msg *types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[msg.ID]; dup {
		return false
	}
	s.seen[msg.ID] = struct{}{}

	roomKey := msg.RoomKey()
	if msg.Seq > s.watermark[roomKey] {
		s.watermark[roomKey] = msg.Seq
	}

	if resolved := s.resolveOptimisticLocked(roomKey, msg); !resolved {
		s.appendLocked(roomKey, msg)
	}

	if msg.Sender != s.selfID && roomKey != s.openRoom {
		s.unread[roomKey]++
	}

	if session.IsPrivateKey(roomKey) {
		s.promoteSessionLocked(roomKey, msg.Timestamp)
	}
	return true
}

// resolveOptimisticLocked swaps a pending local message for its server
// echo. Match is by room, sender, payload and timestamp proximity; the
// server assigns the real ID, seq and timestamp.
func (s *State) resolveOptimisticLocked(roomKey string, msg *types.Message) bool {
	if msg.Sender != s.selfID {
		return false
	}
	for i, p := range s.pending {
		if p.RoomKey() != roomKey || p.Content != msg.Content || p.ImageURL != msg.ImageURL {
			continue
		}
		delta := msg.Timestamp.Sub(p.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > optimisticMatchWindow {
			continue
		}

		buf := s.messages[roomKey]
		for j, m := range buf {
			if m.ID == p.ID {
				buf[j] = msg
				break
			}
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		return true
	}
	return false
}

func (s *State) appendLocked(roomKey string, msg *types.Message) {
	buf := s.messages[roomKey]
	// Insert in seq order; optimistic messages (seq 0) stay at the end.
	pos := len(buf)
	if msg.Seq > 0 {
		for pos > 0 && buf[pos-1].Seq > msg.Seq {
			pos--
		}
	}
	buf = append(buf, nil)
	copy(buf[pos+1:], buf[pos:])
	buf[pos] = msg
	s.messages[roomKey] = buf
}

// ApplyHistory merges a history frame. Frames for a room the user has
// already navigated away from are stale and dropped whole; the frame's
// room key, not arrival order, decides.
func (s *State) ApplyHistory(roomKey string, msgs []*types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomKey != s.openRoom {
		return false
	}
	for _, msg := range msgs {
		if _, dup := s.seen[msg.ID]; dup {
			continue
		}
		s.seen[msg.ID] = struct{}{}
		if msg.Seq > s.watermark[roomKey] {
			s.watermark[roomKey] = msg.Seq
		}
		if resolved := s.resolveOptimisticLocked(roomKey, msg); !resolved {
			s.appendLocked(roomKey, msg)
		}
	}
	return true
}

// ApplyStatus advances one message's lifecycle indicator. Regressions
// are ignored; receipts can arrive out of order across devices.
func (s *State) ApplyStatus(update *types.MessageStatusPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.messages[update.RoomKey] {
		if msg.ID != update.MessageID {
			continue
		}
		if !types.CanTransition(msg.Status, update.Status) {
			return false
		}
		s.replaceStatusLocked(update.RoomKey, msg.ID, update.Status)
		return true
	}
	return false
}

// SetSessions replaces the session list from a fetch_private_chats
// response, keeping local unread counters.
func (s *State) SetSessions(sessions []*types.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
}

// Sessions returns the list, most recently active first.
func (s *State) Sessions() []*types.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ChatSession, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Unread returns the unread counter for a room.
func (s *State) Unread(roomKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[roomKey]
}

// Messages returns a room's buffer in order.
func (s *State) Messages(roomKey string) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.messages[roomKey]
	out := make([]*types.Message, len(buf))
	copy(out, buf)
	return out
}

// promoteSessionLocked moves the session for roomKey to the front of
// the list, synthesizing a stub when the list has not loaded yet.
func (s *State) promoteSessionLocked(roomKey string, activity time.Time) {
	for i, cs := range s.sessions {
		if session.Key(cs.CourseID, cs.StudentID, cs.TutorID) != roomKey {
			continue
		}
		cs.LastActivity = activity
		if i > 0 {
			copy(s.sessions[1:i+1], s.sessions[:i])
			s.sessions[0] = cs
		}
		return
	}

	courseID, studentID, tutorID, err := session.Participants(roomKey)
	if err != nil {
		return
	}
	stub := &types.ChatSession{
		CourseID:     courseID,
		StudentID:    studentID,
		TutorID:      tutorID,
		LastActivity: activity,
	}
	s.sessions = append([]*types.ChatSession{stub}, s.sessions...)
}

// ApplyNotification records a pushed or polled notification, newest
// first. Duplicates across the push and poll paths collapse by ID.
func (s *State) ApplyNotification(n *types.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seenNotifs[n.ID]; dup {
		return false
	}
	s.seenNotifs[n.ID] = struct{}{}
	s.notifications = append([]*types.Notification{n}, s.notifications...)
	return true
}

// ApplyNotificationRead marks a notification read, from either a
// websocket echo or a REST acknowledgement on another device.
func (s *State) ApplyNotificationRead(notificationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == notificationID {
			n.Read = true
			return true
		}
	}
	return false
}

// Notifications returns the known notifications, newest first.
func (s *State) Notifications() []*types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// UnreadNotifications counts the unread badge.
func (s *State) UnreadNotifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if !n.Read {
			count++
		}
	}
	return count
}
