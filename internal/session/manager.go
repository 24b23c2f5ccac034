package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"clearpay/internal/channel"
	"clearpay/internal/clearnode"
	"clearpay/pkg/interfaces"
	"clearpay/pkg/types"
)

// ReactionProtocol identifies reaction sessions in app definitions.
const ReactionProtocol = "reaction-v1"

// DefaultAsset is the asset symbol used when none is configured.
const DefaultAsset = "usdc"

// Manager drives the session lifecycle (create, update, close) against the
// channel registry, and persists snapshots behind it. All session balance
// mutations flow through UpdateAllocations.
type Manager struct {
	registry *channel.Registry
	client   interfaces.NodeClient
	signer   interfaces.Signer
	store    interfaces.SnapshotStore // optional
	asset    string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session and per-context serialization
}

// NewManager creates a session manager. store may be nil when snapshots are
// not wanted (tests).
func NewManager(registry *channel.Registry, client interfaces.NodeClient, signer interfaces.Signer, store interfaces.SnapshotStore, asset string) *Manager {
	if asset == "" {
		asset = DefaultAsset
	}
	return &Manager{
		registry: registry,
		client:   client,
		signer:   signer,
		store:    store,
		asset:    asset,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Registry exposes the underlying channel ledger.
func (m *Manager) Registry() *channel.Registry {
	return m.registry
}

// LockSession acquires the serialization lock for a session and returns the
// unlock function. Settlement flows hold it across read, send, and apply so
// concurrent updates against the same session cannot lose each other.
func (m *Manager) LockSession(sessionID string) func() {
	return m.lock("session/" + sessionID)
}

func (m *Manager) lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateSession opens a reaction session against a funded channel. Creation
// is idempotent per (channel, context): an existing session is returned
// unchanged. The initial user amount must fit in the channel's unlocked
// balance.
func (m *Manager) CreateSession(ctx context.Context, params types.CreateSessionParams) (*types.ReactionSession, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	unlock := m.lock("context/" + params.ChannelID + "/" + params.ContextID)
	defer unlock()

	if existing, ok := m.registry.SessionByContext(params.ChannelID, params.ContextID); ok {
		return existing, nil
	}

	available := m.registry.AvailableBalance(params.ChannelID)
	if available < params.InitialUserAmount {
		return nil, fmt.Errorf("%w: available %s, requested %s",
			types.ErrInsufficientBalance, available.BaseUnits(), params.InitialUserAmount.BaseUnits())
	}

	definition := m.appDefinition(params.UserAddress, params.PoolAddress)
	allocations := initialAllocations(params.UserAddress, params.PoolAddress, m.asset, params.InitialUserAmount)

	msg := types.Message{
		"type":        types.MessageTypeCreateAppSession,
		"channel_id":  params.ChannelID,
		"definition":  definition,
		"allocations": allocations,
		"metadata": map[string]interface{}{
			"post_id": params.ContextID,
		},
	}
	if err := m.signMessage(msg); err != nil {
		return nil, err
	}

	resp, err := m.client.SendAndWait(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.AppSessionID == "" {
		return nil, ErrSessionCreationFailed
	}

	now := time.Now()
	session := &types.ReactionSession{
		SessionID:      resp.AppSessionID,
		ContextID:      params.ContextID,
		ChannelID:      params.ChannelID,
		UserAllocation: params.InitialUserAmount,
		PoolAllocation: 0,
		CreatedAt:      now,
		LastActivity:   now,
		ReactionCount:  0,
	}

	if err := m.registry.AddSession(params.ChannelID, session); err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	m.persistSession(ctx, session)

	log.Printf("session: created %s channel=%s context=%s amount=%s",
		session.SessionID, params.ChannelID, params.ContextID, params.InitialUserAmount.BaseUnits())
	return session, nil
}

// GetOrCreateSession returns the session bound to the context, creating one
// when absent.
func (m *Manager) GetOrCreateSession(ctx context.Context, params types.CreateSessionParams) (*types.ReactionSession, error) {
	if existing, ok := m.registry.SessionByContext(params.ChannelID, params.ContextID); ok {
		return existing, nil
	}
	return m.CreateSession(ctx, params)
}

// CloseSession sends the signed close message carrying the session's current
// allocations and removes the session from the registry. When the node
// answered — even with a rejection — the session is removed, since final
// settlement is the node's concern; a local transport failure keeps the
// session so the caller can retry.
func (m *Manager) CloseSession(ctx context.Context, session *types.ReactionSession) error {
	unlock := m.LockSession(session.SessionID)
	defer unlock()

	state, err := m.registry.GetChannel(session.ChannelID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	allocations := []types.Allocation{
		{Participant: m.signer.Address(), Asset: m.asset, Amount: session.UserAllocation.BaseUnits()},
		{Participant: state.PoolAddress, Asset: m.asset, Amount: session.PoolAllocation.BaseUnits()},
	}

	msg := types.Message{
		"type":           types.MessageTypeCloseAppSession,
		"app_session_id": session.SessionID,
		"allocations":    allocations,
	}
	if err := m.signMessage(msg); err != nil {
		return err
	}

	if _, err := m.client.SendAndWait(ctx, msg); err != nil {
		var remote *clearnode.RemoteError
		if !errors.As(err, &remote) {
			return fmt.Errorf("close session: %w", err)
		}
		log.Printf("session: node rejected close for %s: %v", session.SessionID, err)
	}

	if _, err := m.registry.RemoveSession(session.ChannelID, session.SessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if m.store != nil {
		if err := m.store.DeleteSession(ctx, session.SessionID); err != nil {
			log.Printf("session: snapshot delete failed for %s: %v", session.SessionID, err)
		}
	}

	log.Printf("session: closed %s user=%s pool=%s",
		session.SessionID, session.UserAllocation.BaseUnits(), session.PoolAllocation.BaseUnits())
	return nil
}

// UpdateAllocations replaces both allocation fields, bumps last-activity,
// and advances the reaction counter by reactions in one logical update. The
// single point of truth for balance mutation; settlement must come through
// here.
func (m *Manager) UpdateAllocations(ctx context.Context, session *types.ReactionSession, newUserAllocation, newPoolAllocation types.Amount, reactions int) (*types.ReactionSession, error) {
	updated, ok := m.registry.UpdateSession(session.ChannelID, session.SessionID, newUserAllocation, newPoolAllocation, reactions)
	if !ok {
		return nil, ErrSessionNotFound
	}
	m.persistSession(ctx, updated)
	return updated, nil
}

// Stats summarizes a session's spending.
type Stats struct {
	TotalSpent         types.Amount
	AveragePerReaction types.Amount
	Age                time.Duration
}

// SessionStats derives spending statistics from current balances.
func SessionStats(session *types.ReactionSession) Stats {
	stats := Stats{
		TotalSpent: session.PoolAllocation,
		Age:        time.Since(session.CreatedAt),
	}
	if session.ReactionCount > 0 {
		stats.AveragePerReaction = session.PoolAllocation / types.Amount(session.ReactionCount)
	}
	return stats
}

func (m *Manager) appDefinition(userAddress, poolAddress string) types.AppDefinition {
	return types.AppDefinition{
		Protocol:     ReactionProtocol,
		Participants: []string{userAddress, poolAddress},
		Weights:      []int{100, 0}, // user initiates, pool validates
		Quorum:       100,
		Challenge:    0,
		Nonce:        time.Now().UnixMilli(),
	}
}

func initialAllocations(userAddress, poolAddress, asset string, userAmount types.Amount) []types.Allocation {
	return []types.Allocation{
		{Participant: userAddress, Asset: asset, Amount: userAmount.BaseUnits()},
		{Participant: poolAddress, Asset: asset, Amount: "0"},
	}
}

// signMessage signs the canonical JSON of the message and attaches the
// signature. Map marshaling is key-sorted, so the byte form is stable. The
// correlation id is assigned later by the client and is not covered.
func (m *Manager) signMessage(msg types.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for signing: %w", err)
	}
	signature, err := m.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	msg["signature"] = signature
	return nil
}

func (m *Manager) persistSession(ctx context.Context, session *types.ReactionSession) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(ctx, session); err != nil {
		log.Printf("session: snapshot save failed for %s: %v", session.SessionID, err)
	}
}

func validateParams(params types.CreateSessionParams) error {
	if !types.IsValidAddress(params.UserAddress) {
		return fmt.Errorf("%w: bad user address %q", ErrInvalidParams, params.UserAddress)
	}
	if !types.IsValidAddress(params.PoolAddress) {
		return fmt.Errorf("%w: bad pool address %q", ErrInvalidParams, params.PoolAddress)
	}
	if !types.IsValidChannelID(params.ChannelID) {
		return fmt.Errorf("%w: bad channel id %q", ErrInvalidParams, params.ChannelID)
	}
	if !types.IsValidContextID(params.ContextID) {
		return fmt.Errorf("%w: bad context id", ErrInvalidParams)
	}
	if params.InitialUserAmount == 0 {
		return fmt.Errorf("%w: initial amount must be positive", ErrInvalidParams)
	}
	return nil
}
