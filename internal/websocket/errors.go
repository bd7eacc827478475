package websocket

import "errors"

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrSendBufferFull   = errors.New("connection send buffer full")
)

// Registry errors.
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrEmptyUserID   = errors.New("user ID cannot be empty")
)
