package types

import (
	"regexp"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxContentBytes = 65536

// Validate checks the invariants a message must hold before it may be
// persisted or fanned out. Exactly one of CommunityID/PrivateChatID is
// set, and a message carries text, an image, or both.
func (m *Message) Validate() error {
	private := m.PrivateChatID != ""
	community := m.CommunityID != ""
	if private == community {
		return ErrAmbiguousRoom
	}
	if !IsValidUserID(m.Sender) {
		return ErrInvalidUserID
	}
	if !IsValidRole(m.SenderRole) {
		return ErrInvalidRole
	}
	if m.Content == "" && m.ImageURL == "" {
		return ErrEmptyMessage
	}
	if len(m.Content) > maxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// Validate checks a notification before persistence.
func (n *Notification) Validate() error {
	if !IsValidUserID(n.UserID) {
		return ErrInvalidUserID
	}
	if n.Type != NotificationChatMessage && n.Type != NotificationCommunityPost {
		return ErrInvalidNotification
	}
	return nil
}

// IsValidUserID checks identifier format. The 64 character cap keeps
// IDs indexable and displayable.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return identifierRegex.MatchString(userID)
}

// IsValidCourseID shares the identifier format with user IDs.
func IsValidCourseID(courseID string) bool {
	return IsValidUserID(courseID)
}

// IsValidRole checks for the two roles the engine knows about.
func IsValidRole(role string) bool {
	return role == RoleTutor || role == RoleStudent
}

// IsValidStatus checks for one of the three lifecycle statuses.
func IsValidStatus(status string) bool {
	return statusRank(status) > 0
}

// statusRank orders lifecycle statuses so monotonicity checks reduce
// to an integer comparison. Unknown statuses rank zero.
func statusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether a message status may move from one
// status to another. Equal statuses are allowed so duplicate updates
// stay idempotent; regressions are not.
func CanTransition(from, to string) bool {
	fr, tr := statusRank(from), statusRank(to)
	if fr == 0 || tr == 0 {
		return false
	}
	return tr >= fr
}
