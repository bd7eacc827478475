package types

import (
	"time"
)

// User roles. Tutors and students are the only identities the engine
// distinguishes; everything else about a user lives in the marketplace's
// auth service.
const (
	RoleTutor   = "tutor"
	RoleStudent = "student"
)

// Message delivery statuses. Transitions are monotonic:
// sent -> delivered -> read, with sent -> read permitted when the
// recipient had no live connection at publish time.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Client-side statuses for messages the server has not confirmed.
// Never persisted and never sent on the wire: an optimistic local
// message is pending until the server echo replaces it, and failed
// when the server rejected the send.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Notification types.
const (
	NotificationChatMessage   = "chat_message"
	NotificationCommunityPost = "community_post"
)

// Message is a single chat message, private or community-wide.
// Exactly one of CommunityID/PrivateChatID is set. ID, Seq, Timestamp
// and Status are server-assigned at persistence; clients never supply
// them.
type Message struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	CommunityID   string    `json:"communityId,omitempty"`
	PrivateChatID string    `json:"privateChatId,omitempty"`
	Sender        string    `json:"sender"`
	SenderRole    string    `json:"senderRole"`
	Content       string    `json:"content,omitempty"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"`
}

// RoomKey returns the fanout room this message belongs to.
func (m *Message) RoomKey() string {
	if m.PrivateChatID != "" {
		return m.PrivateChatID
	}
	return m.CommunityID
}

// ChatSession is one private conversation scoped to a course, a student
// and a tutor. The addressing key is derived from the triple (see
// internal/session); ID is only the storage row key. Sessions are
// created implicitly on first message and never deleted.
type ChatSession struct {
	ID           string    `json:"id"`
	CourseID     string    `json:"courseId"`
	StudentID    string    `json:"studentId"`
	TutorID      string    `json:"tutorId"`
	CourseTitle  string    `json:"courseTitle"`
	TutorName    string    `json:"tutorName"`
	StudentName  string    `json:"studentName"`
	LastActivity time.Time `json:"lastActivity"`
}

// NotificationPayload carries enough identifiers to reconstruct a deep
// link into the relevant course or chat.
type NotificationPayload struct {
	CourseID   string `json:"courseId"`
	SessionKey string `json:"sessionKey"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Preview    string `json:"preview,omitempty"`
}

// Notification is the badge-path companion of a message. Created by
// the dispatcher on every send; the read flag is the only mutation.
type Notification struct {
	ID        string              `json:"id"`
	UserID    string              `json:"userId"`
	Type      string              `json:"type"`
	Read      bool                `json:"read"`
	CreatedAt time.Time           `json:"createdAt"`
	Payload   NotificationPayload `json:"payload"`
}
