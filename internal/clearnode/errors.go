package clearnode

import (
	"errors"
	"fmt"
)

// Protocol client errors. All are recoverable by the caller: reconnect,
// retry, or top up and retry.
var (
	ErrNotConnected     = errors.New("not connected to settlement node")
	ErrConnectionFailed = errors.New("failed to connect to settlement node")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRequestTimeout   = errors.New("request timeout")
)

// RemoteError is a reply from the settlement node carrying an error field.
// The node answered, so the request reached it; the operation was rejected.
type RemoteError struct {
	Type   string
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("settlement node error: %s", e.Reason)
	}
	return fmt.Sprintf("settlement node error (%s): %s", e.Type, e.Reason)
}
