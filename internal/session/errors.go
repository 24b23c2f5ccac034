package session

import "errors"

// Session lifecycle errors.
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionCreationFailed = errors.New("session creation failed: no session id returned")
	ErrInvalidParams         = errors.New("invalid session parameters")
)
