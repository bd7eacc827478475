package types

import "encoding/json"

// Wire event names, client to server.
const (
	EventJoinUser             = "join_user"
	EventFetchPrivateChats    = "fetch_private_chats"
	EventJoinPrivateChat      = "join_private_chat"
	EventJoinCommunity        = "join_community"
	EventSendPrivateMessage   = "send_private_message"
	EventSendPrivateImage     = "send_private_image_message"
	EventSendCommunityMessage = "send_community_message"
	EventMarkNotificationRead = "mark_private_message_notification_as_read"
	EventMarkSessionRead      = "mark_session_read"
)

// Wire event names, server to client.
const (
	EventPrivateChats            = "private_chats"
	EventPrivateMessageHistory   = "private_message_history"
	EventReceivePrivateMessage   = "receive_private_message"
	EventReceiveCommunityMessage = "receive_community_message"
	EventNotification            = "notification"
	EventNotificationRead        = "notification_read"
	EventMessageStatus           = "message_status"
	EventError                   = "error"
)

// Envelope is the frame shape on the wire in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope. Marshal failure is a
// programming error on our own payload types and is reported as-is.
func NewEnvelope(event string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// Client to server payloads.

type JoinUserPayload struct {
	UserID string `json:"userId"`
}

type FetchPrivateChatsPayload struct {
	TutorID string `json:"tutorId"`
}

// AfterSeq lets a reconnecting client ask for only the messages it
// missed; zero means full history.
type JoinPrivateChatPayload struct {
	CourseID  string `json:"courseId"`
	StudentID string `json:"studentId"`
	TutorID   string `json:"tutorId"`
	AfterSeq  int64  `json:"afterSeq,omitempty"`
}

type JoinCommunityPayload struct {
	CourseID string `json:"courseId"`
	AfterSeq int64  `json:"afterSeq,omitempty"`
}

type SendPrivateMessagePayload struct {
	CourseID    string `json:"courseId"`
	StudentID   string `json:"studentId"`
	TutorID     string `json:"tutorId"`
	Content     string `json:"content"`
	CourseTitle string `json:"courseTitle,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
}

type SendPrivateImagePayload struct {
	CourseID    string `json:"courseId"`
	StudentID   string `json:"studentId"`
	TutorID     string `json:"tutorId"`
	ImageURL    string `json:"imageUrl"`
	ImageName   string `json:"imageName,omitempty"`
	CourseTitle string `json:"courseTitle,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
}

type SendCommunityMessagePayload struct {
	CourseID   string `json:"courseId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName,omitempty"`
}

type MarkNotificationReadPayload struct {
	NotificationID string `json:"notificationId"`
}

type MarkSessionReadPayload struct {
	CourseID  string `json:"courseId"`
	StudentID string `json:"studentId"`
	TutorID   string `json:"tutorId"`
}

// Server to client payloads.

type PrivateChatsPayload struct {
	Sessions []*ChatSession `json:"sessions"`
}

type HistoryPayload struct {
	RoomKey  string     `json:"roomKey"`
	Messages []*Message `json:"messages"`
}

type MessagePayload struct {
	Message *Message `json:"message"`
}

type NotificationPayloadEvent struct {
	Notification *Notification `json:"notification"`
}

type NotificationReadPayload struct {
	NotificationID string `json:"notificationId"`
}

type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	RoomKey   string `json:"roomKey"`
	Status    string `json:"status"`
}

// RoomKey is set when the rejection concerned a specific room, so the
// client can mark the matching pending message as failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomKey string `json:"roomKey,omitempty"`
}
