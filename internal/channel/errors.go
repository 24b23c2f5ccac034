package channel

import "errors"

// Channel registry errors.
var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrDuplicateChannel = errors.New("channel already exists")
	ErrNilSession       = errors.New("session cannot be nil")
)
