// Package session derives room identities for private chats and
// course-wide community rooms. Keys are pure functions of their inputs
// so a client can address a room without a server round trip, as long
// as it composes the same identifiers in the same order.
package session

import (
	"fmt"
	"strings"

	"tutorlink/pkg/types"
)

const (
	privatePrefix   = "private"
	communityPrefix = "community"
	separator       = ":"
)

// Key returns the deterministic room key for the private conversation
// between one student and one tutor about one course. The triple is
// order-sensitive: tutor and student are not interchangeable.
func Key(courseID, studentID, tutorID string) string {
	return privatePrefix + separator + courseID + separator + studentID + separator + tutorID
}

// CommunityKey returns the room key for a course-wide broadcast room.
func CommunityKey(courseID string) string {
	return communityPrefix + separator + courseID
}

// IsPrivateKey reports whether a room key addresses a private chat.
func IsPrivateKey(roomKey string) bool {
	return strings.HasPrefix(roomKey, privatePrefix+separator)
}

// IsCommunityKey reports whether a room key addresses a community room.
func IsCommunityKey(roomKey string) bool {
	return strings.HasPrefix(roomKey, communityPrefix+separator)
}

// Participants splits a private room key back into its triple.
func Participants(roomKey string) (courseID, studentID, tutorID string, err error) {
	parts := strings.Split(roomKey, separator)
	if len(parts) != 4 || parts[0] != privatePrefix {
		return "", "", "", fmt.Errorf("not a private room key: %q", roomKey)
	}
	return parts[1], parts[2], parts[3], nil
}

// ValidateTriple rejects malformed identifiers before any key is
// derived, so a bad join or send never creates a phantom room.
func ValidateTriple(courseID, studentID, tutorID string) error {
	if !types.IsValidCourseID(courseID) {
		return types.ErrInvalidCourseID
	}
	if !types.IsValidUserID(studentID) || !types.IsValidUserID(tutorID) {
		return types.ErrInvalidUserID
	}
	return nil
}

// Recipient returns the other party of a private conversation given
// the sender. Sending from an identity outside the pair is an error.
func Recipient(roomKey, senderID string) (string, error) {
	_, studentID, tutorID, err := Participants(roomKey)
	if err != nil {
		return "", err
	}
	switch senderID {
	case studentID:
		return tutorID, nil
	case tutorID:
		return studentID, nil
	default:
		return "", fmt.Errorf("sender %q is not a participant of %q", senderID, roomKey)
	}
}
