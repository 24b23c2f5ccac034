package interfaces

import (
	"context"

	"clearpay/pkg/types"
)

// SnapshotStore persists channel and session snapshots across process
// restarts. The in-memory registry remains the source of truth while the
// process runs; the store is written behind it.
type SnapshotStore interface {
	SaveChannel(ctx context.Context, channel *types.ChannelState) error
	DeleteChannel(ctx context.Context, channelID string) error
	SaveSession(ctx context.Context, session *types.ReactionSession) error
	DeleteSession(ctx context.Context, sessionID string) error
	LoadChannels(ctx context.Context) ([]*types.ChannelState, error)
	Close() error
}
