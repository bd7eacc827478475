package dispatcher

import "errors"

// roomError ties a rejection to the room it concerned so the error
// event carries enough correlation for the client to fail the matching
// pending message.
type roomError struct {
	roomKey string
	err     error
}

func (e *roomError) Error() string { return e.err.Error() }

func (e *roomError) Unwrap() error { return e.err }

var (
	ErrNotJoined         = errors.New("connection has not completed join_user")
	ErrIdentityMismatch  = errors.New("payload identity does not match connection identity")
	ErrNotParticipant    = errors.New("user is not a participant of this conversation")
	ErrRateLimitExceeded = errors.New("message rate limit exceeded")
	ErrUnknownEvent      = errors.New("unknown event")
)
