package interfaces

import (
	"context"

	"clearpay/pkg/types"
)

// NodeClient sends a correlated request to the settlement node and waits for
// the matching reply. Implementations assign the correlation id, honor the
// context deadline, and fail fast when no connection is live.
type NodeClient interface {
	SendAndWait(ctx context.Context, msg types.Message) (*types.Response, error)
}
