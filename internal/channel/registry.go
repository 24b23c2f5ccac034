package channel

import (
	"log"
	"strings"
	"sync"
	"time"

	"clearpay/pkg/types"
)

// Registry is the in-memory ledger of channel state and child sessions,
// keyed by channel id. It is owned by the application's composition root,
// never held as package-level state, so tests construct a fresh one each.
type Registry struct {
	mu          sync.RWMutex
	channels    map[string]*types.ChannelState
	poolAddress string
}

// NewRegistry creates an empty registry. poolAddress is the counterparty
// credited by every channel opened through this registry.
func NewRegistry(poolAddress string) *Registry {
	return &Registry{
		channels:    make(map[string]*types.ChannelState),
		poolAddress: poolAddress,
	}
}

// PoolAddress returns the counterparty address for new channels.
func (r *Registry) PoolAddress() string {
	return r.poolAddress
}

// CreateChannel inserts a new active channel with available equal to total
// and no sessions. A second create with the same id is rejected rather than
// overwritten, so open sessions can never be silently dropped.
func (r *Registry) CreateChannel(channelID, userAddress string, total types.Amount) (*types.ChannelState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[channelID]; exists {
		return nil, ErrDuplicateChannel
	}

	state := &types.ChannelState{
		ChannelID:   channelID,
		UserAddress: userAddress,
		PoolAddress: r.poolAddress,
		Total:       total,
		Available:   total,
		Active:      true,
		CreatedAt:   time.Now(),
		Sessions:    make(map[string]*types.ReactionSession),
	}
	r.channels[channelID] = state

	log.Printf("channel: created %s user=%s total=%s", channelID, userAddress, total)
	return state, nil
}

// Restore inserts a previously persisted channel, sessions included. Used
// when loading snapshots at startup; duplicates are rejected like creates.
func (r *Registry) Restore(state *types.ChannelState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[state.ChannelID]; exists {
		return ErrDuplicateChannel
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*types.ReactionSession)
	}
	r.channels[state.ChannelID] = state
	return nil
}

// GetChannel looks up a channel by id.
func (r *Registry) GetChannel(channelID string) (*types.ChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.channels[channelID]
	if !exists {
		return nil, ErrChannelNotFound
	}
	return state, nil
}

// GetChannelByUser returns the first active channel owned by the address.
// When a user has more than one active channel the choice is unspecified;
// callers must not rely on the order.
func (r *Registry) GetChannelByUser(userAddress string) (*types.ChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, state := range r.channels {
		if state.Active && strings.EqualFold(state.UserAddress, userAddress) {
			return state, nil
		}
	}
	return nil, ErrChannelNotFound
}

// ChannelUpdate carries the fields UpdateChannel may merge; nil fields are
// left untouched.
type ChannelUpdate struct {
	Total     *types.Amount
	Available *types.Amount
	Active    *bool
}

// UpdateChannel merges the permitted fields into an existing channel.
func (r *Registry) UpdateChannel(channelID string, update ChannelUpdate) (*types.ChannelState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.channels[channelID]
	if !exists {
		return nil, ErrChannelNotFound
	}

	if update.Total != nil {
		state.Total = *update.Total
	}
	if update.Available != nil {
		state.Available = *update.Available
	}
	if update.Active != nil {
		state.Active = *update.Active
	}
	return state, nil
}

// AddSession attaches a session to its channel's session set.
func (r *Registry) AddSession(channelID string, session *types.ReactionSession) error {
	if session == nil {
		return ErrNilSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.channels[channelID]
	if !exists {
		return ErrChannelNotFound
	}
	state.Sessions[session.SessionID] = session
	return nil
}

// RemoveSession detaches a session from its channel and returns it, or nil
// if the session was not present.
func (r *Registry) RemoveSession(channelID, sessionID string) (*types.ReactionSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.channels[channelID]
	if !exists {
		return nil, ErrChannelNotFound
	}

	session, ok := state.Sessions[sessionID]
	if !ok {
		return nil, nil
	}
	delete(state.Sessions, sessionID)
	return session, nil
}

// SessionByContext finds the session bound to an external context id.
func (r *Registry) SessionByContext(channelID, contextID string) (*types.ReactionSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.channels[channelID]
	if !exists {
		return nil, false
	}
	for _, session := range state.Sessions {
		if session.ContextID == contextID {
			return session, true
		}
	}
	return nil, false
}

// GetSession looks up a session by id within a channel.
func (r *Registry) GetSession(channelID, sessionID string) (*types.ReactionSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.channels[channelID]
	if !exists {
		return nil, false
	}
	session, ok := state.Sessions[sessionID]
	return session, ok
}

// UpdateSession replaces a session's allocations, bumps last-activity, and
// advances the reaction counter. Reports false when the channel or session
// is gone. This is the only mutation path for session balances.
func (r *Registry) UpdateSession(channelID, sessionID string, userAllocation, poolAllocation types.Amount, reactions int) (*types.ReactionSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.channels[channelID]
	if !exists {
		return nil, false
	}
	session, ok := state.Sessions[sessionID]
	if !ok {
		return nil, false
	}

	session.UserAllocation = userAllocation
	session.PoolAllocation = poolAllocation
	session.LastActivity = time.Now()
	session.ReactionCount += reactions
	return session, true
}

// LockedAmount sums userAllocation + poolAllocation across the channel's
// sessions. Zero when the channel is unknown.
func (r *Registry) LockedAmount(channelID string) types.Amount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lockedAmountLocked(channelID)
}

func (r *Registry) lockedAmountLocked(channelID string) types.Amount {
	state, exists := r.channels[channelID]
	if !exists {
		return 0
	}

	var locked types.Amount
	for _, session := range state.Sessions {
		locked += session.UserAllocation + session.PoolAllocation
	}
	return locked
}

// AvailableBalance is total minus locked, clamped at zero.
func (r *Registry) AvailableBalance(channelID string) types.Amount {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.channels[channelID]
	if !exists {
		return 0
	}

	locked := r.lockedAmountLocked(channelID)
	if state.Total <= locked {
		return 0
	}
	return state.Total - locked
}

// CloseChannel marks a channel inactive. Sessions are left in place; the
// session lifecycle manager must close them first.
func (r *Registry) CloseChannel(channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.channels[channelID]
	if !exists {
		return ErrChannelNotFound
	}
	state.Active = false
	log.Printf("channel: closed %s", channelID)
	return nil
}

// ActiveChannels returns every active channel.
func (r *Registry) ActiveChannels() []*types.ChannelState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*types.ChannelState
	for _, state := range r.channels {
		if state.Active {
			active = append(active, state)
		}
	}
	return active
}

// AllChannels returns every channel, active or not. Used when snapshotting.
func (r *Registry) AllChannels() []*types.ChannelState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]*types.ChannelState, 0, len(r.channels))
	for _, state := range r.channels {
		channels = append(channels, state)
	}
	return channels
}
