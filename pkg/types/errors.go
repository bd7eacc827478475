package types

import "errors"

var (
	ErrInvalidUserID       = errors.New("user ID must be 1-64 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidRole         = errors.New("role must be tutor or student")
	ErrInvalidCourseID     = errors.New("course ID must be 1-64 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidStatus       = errors.New("invalid message status")
	ErrStatusRegression    = errors.New("message status cannot move backward")
	ErrEmptyMessage        = errors.New("message needs text content or an image")
	ErrAmbiguousRoom       = errors.New("message must target exactly one of community or private chat")
	ErrContentTooLarge     = errors.New("message content exceeds 64KB limit")
	ErrInvalidNotification = errors.New("notification requires recipient and type")
)
