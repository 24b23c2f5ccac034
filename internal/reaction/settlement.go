package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"clearpay/internal/session"
	"clearpay/pkg/interfaces"
	"clearpay/pkg/types"
)

// DefaultCost is the per-reaction price in base units (0.001 of a 6-decimal
// asset).
const DefaultCost types.Amount = 1000

// Settlement builds, signs, and sends off-chain state updates for reaction
// payments and applies the resulting balance delta through the session
// manager. Each settled update moves cost from the user allocation to the
// pool allocation; the sum never changes.
type Settlement struct {
	client   interfaces.NodeClient
	signer   interfaces.Signer
	sessions *session.Manager
	asset    string
	cost     types.Amount
}

// NewSettlement creates a settlement engine. cost zero falls back to
// DefaultCost; asset empty falls back to the session manager's default.
func NewSettlement(client interfaces.NodeClient, signer interfaces.Signer, sessions *session.Manager, asset string, cost types.Amount) *Settlement {
	if asset == "" {
		asset = session.DefaultAsset
	}
	if cost == 0 {
		cost = DefaultCost
	}
	return &Settlement{
		client:   client,
		signer:   signer,
		sessions: sessions,
		asset:    asset,
		cost:     cost,
	}
}

// Cost returns the configured per-reaction cost.
func (s *Settlement) Cost() types.Amount {
	return s.cost
}

// SendReaction settles one reaction of the given cost (zero means the
// configured default). The session lock is held across read, send, and
// apply, so concurrent reactions against one session serialize instead of
// overwriting each other.
func (s *Settlement) SendReaction(ctx context.Context, sess *types.ReactionSession, cost types.Amount) (*types.SessionUpdateResult, error) {
	if cost == 0 {
		cost = s.cost
	}

	unlock := s.sessions.LockSession(sess.SessionID)
	defer unlock()

	if sess.UserAllocation < cost {
		return nil, fmt.Errorf("%w: available %s, cost %s",
			types.ErrInsufficientBalance, sess.UserAllocation.BaseUnits(), cost.BaseUnits())
	}

	newUser := sess.UserAllocation - cost
	newPool := sess.PoolAllocation + cost

	metadata := map[string]interface{}{
		"reaction_cost": cost.BaseUnits(),
		"timestamp":     time.Now().UnixMilli(),
	}
	resp, err := s.sendStateUpdate(ctx, sess, types.ActionReaction, newUser, newPool, metadata)
	if err != nil {
		return nil, err
	}

	updated, err := s.sessions.UpdateAllocations(ctx, sess, newUser, newPool, 1)
	if err != nil {
		return nil, err
	}

	return &types.SessionUpdateResult{Session: updated, StateHash: stateHash(resp)}, nil
}

// SendBatchReactions settles count reactions in one signed message and
// applies the whole delta in a single update, advancing the reaction counter
// by count.
func (s *Settlement) SendBatchReactions(ctx context.Context, sess *types.ReactionSession, count int, cost types.Amount) (*types.SessionUpdateResult, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: batch count must be positive", types.ErrInvalidAmount)
	}
	if cost == 0 {
		cost = s.cost
	}
	total, err := EstimateCost(count, cost)
	if err != nil {
		return nil, err
	}

	unlock := s.sessions.LockSession(sess.SessionID)
	defer unlock()

	if sess.UserAllocation < total {
		return nil, fmt.Errorf("%w: available %s, cost %s for %d reactions",
			types.ErrInsufficientBalance, sess.UserAllocation.BaseUnits(), total.BaseUnits(), count)
	}

	newUser := sess.UserAllocation - total
	newPool := sess.PoolAllocation + total

	metadata := map[string]interface{}{
		"reaction_count": count,
		"reaction_cost":  cost.BaseUnits(),
		"total_cost":     total.BaseUnits(),
		"timestamp":      time.Now().UnixMilli(),
	}
	resp, err := s.sendStateUpdate(ctx, sess, types.ActionBatchReaction, newUser, newPool, metadata)
	if err != nil {
		return nil, err
	}

	updated, err := s.sessions.UpdateAllocations(ctx, sess, newUser, newPool, count)
	if err != nil {
		return nil, err
	}

	return &types.SessionUpdateResult{Session: updated, StateHash: stateHash(resp)}, nil
}

// CanAfford reports whether the session's user allocation covers one
// reaction at the given cost (zero means the default).
func (s *Settlement) CanAfford(sess *types.ReactionSession, cost types.Amount) bool {
	if cost == 0 {
		cost = s.cost
	}
	return sess.UserAllocation >= cost
}

// RemainingReactions is how many reactions the user allocation still covers.
func (s *Settlement) RemainingReactions(sess *types.ReactionSession, cost types.Amount) int {
	if cost == 0 {
		cost = s.cost
	}
	if cost == 0 {
		return 0
	}
	remaining := sess.UserAllocation / cost
	if remaining > types.Amount(math.MaxInt) {
		return math.MaxInt
	}
	return int(remaining)
}

// EstimateCost is the total price of count reactions.
func EstimateCost(count int, cost types.Amount) (types.Amount, error) {
	if count < 0 {
		return 0, fmt.Errorf("%w: negative count", types.ErrInvalidAmount)
	}
	if count == 0 || cost == 0 {
		return 0, nil
	}
	total := cost * types.Amount(count)
	if total/types.Amount(count) != cost {
		return 0, fmt.Errorf("%w: %d reactions at %s overflows", types.ErrInvalidAmount, count, cost.BaseUnits())
	}
	return total, nil
}

func (s *Settlement) sendStateUpdate(ctx context.Context, sess *types.ReactionSession, action string, newUser, newPool types.Amount, metadata map[string]interface{}) (*types.Response, error) {
	allocations := []types.Allocation{
		{Participant: s.signer.Address(), Asset: s.asset, Amount: newUser.BaseUnits()},
		{Participant: sess.ChannelID, Asset: s.asset, Amount: newPool.BaseUnits()},
	}

	msg := types.Message{
		"type":           types.MessageTypeStateUpdate,
		"app_session_id": sess.SessionID,
		"action":         action,
		"allocations":    allocations,
		"metadata":       metadata,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode state update: %w", err)
	}
	signature, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign state update: %w", err)
	}
	msg["signature"] = signature

	resp, err := s.client.SendAndWait(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", action, err)
	}
	return resp, nil
}

func stateHash(resp *types.Response) string {
	if resp == nil || resp.StateHash == "" {
		return types.ZeroStateHash
	}
	return resp.StateHash
}
