package store

import "errors"

var (
	ErrClosed               = errors.New("store is closed")
	ErrWriteTimeout         = errors.New("write operation timeout")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotificationNotFound = errors.New("notification not found")
)
