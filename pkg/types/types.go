package types

import (
	"time"
)

// Wire message type discriminators used by the settlement node protocol.
// The client sets the request type; the node echoes the type on replies.
const (
	MessageTypeCreateAppSession = "create_app_session"
	MessageTypeCloseAppSession  = "close_app_session"
	MessageTypeStateUpdate      = "state_update"
	MessageTypeError            = "error"
	MessageTypePing             = "ping"
	MessageTypePong             = "pong"
)

// State update actions carried by state_update messages.
const (
	ActionReaction      = "reaction"
	ActionBatchReaction = "batch_reaction"
)

// ZeroStateHash is the sentinel returned when a settlement reply carries no
// state hash.
const ZeroStateHash = "0x0"

// Message is an outbound wire message. It is built as a map so the protocol
// client can attach the correlation id to an already-signed payload without
// re-encoding a struct.
type Message map[string]interface{}

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	out := make(Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Response is the decoded settlement-node reply envelope. Any reply may carry
// an error field; its presence fails the correlated request.
type Response struct {
	Type         string                 `json:"type"`
	ID           string                 `json:"id,omitempty"`
	AppSessionID string                 `json:"app_session_id,omitempty"`
	StateHash    string                 `json:"state_hash,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// AppDefinition describes a session to the settlement node: who participates,
// how consensus is weighted, and a nonce making the definition unique.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Challenge    int      `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

// Allocation is the wire-boundary share of funds for one participant.
// Amounts cross the wire as base-unit decimal strings; in-process arithmetic
// stays on Amount.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// ReactionSession is one running payment context (e.g. one post) drawing
// from a channel's funds. UserAllocation + PoolAllocation is constant across
// ordinary reaction updates; funds only move between the two fields.
type ReactionSession struct {
	SessionID      string    `json:"session_id"`
	ContextID      string    `json:"context_id"`
	ChannelID      string    `json:"channel_id"`
	UserAllocation Amount    `json:"user_allocation"`
	PoolAllocation Amount    `json:"pool_allocation"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ReactionCount  int       `json:"reaction_count"`
}

// ChannelState mirrors one on-chain-funded payment channel off-chain.
// Available never exceeds Total; the difference is locked in sessions.
type ChannelState struct {
	ChannelID   string                      `json:"channel_id"`
	UserAddress string                      `json:"user_address"`
	PoolAddress string                      `json:"pool_address"`
	Total       Amount                      `json:"total"`
	Available   Amount                      `json:"available"`
	Active      bool                        `json:"active"`
	CreatedAt   time.Time                   `json:"created_at"`
	Sessions    map[string]*ReactionSession `json:"sessions"`
}

// CreateSessionParams carries everything needed to open a session against a
// funded channel.
type CreateSessionParams struct {
	UserAddress       string
	PoolAddress       string
	ChannelID         string
	ContextID         string
	InitialUserAmount Amount
}

// SessionUpdateResult is the outcome of a settled reaction: the updated
// session and the state hash countersigned by the settlement node.
type SessionUpdateResult struct {
	Session   *ReactionSession
	StateHash string
}
