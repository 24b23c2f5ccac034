package reaction

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"clearpay/internal/channel"
	"clearpay/internal/session"
	"clearpay/pkg/types"
)

const (
	testUser = "0xF16A94b6086b6d7948905f2B7244E96D0b8e3715"
	testPool = "0x57fd7DBbcE3F34E0c92bC0a9a2Ca2D207dD4D9Bb"
)

var testChannel = "0x" + strings.Repeat("cd", 32)

type fakeClient struct {
	mu       sync.Mutex
	requests []types.Message
	respond  func(msg types.Message) (*types.Response, error)
}

func (f *fakeClient) SendAndWait(ctx context.Context, msg types.Message) (*types.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, msg.Clone())
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(msg)
	}
	return &types.Response{
		Type:         msg["type"].(string),
		AppSessionID: "0xsession",
		StateHash:    "0xstate",
	}, nil
}

func (f *fakeClient) lastRequest() types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

type fakeSigner struct{}

func (fakeSigner) Address() string { return testUser }

func (fakeSigner) Sign(data []byte) (string, error) { return "0xsignature", nil }

// newTestSettlement wires a registry, session manager, and settlement engine
// around the fake client, with one funded channel and one open session.
func newTestSettlement(t *testing.T, client *fakeClient, budget types.Amount) (*Settlement, *types.ReactionSession) {
	t.Helper()

	registry := channel.NewRegistry(testPool)
	if _, err := registry.CreateChannel(testChannel, testUser, 100_000_000); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	sessions := session.NewManager(registry, client, fakeSigner{}, nil, "usdc")

	sess, err := sessions.CreateSession(context.Background(), types.CreateSessionParams{
		UserAddress:       testUser,
		PoolAddress:       testPool,
		ChannelID:         testChannel,
		ContextID:         "post-1",
		InitialUserAmount: budget,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	return NewSettlement(client, fakeSigner{}, sessions, "usdc", 0), sess
}

func TestSendReaction(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 5_000_000)

	result, err := s.SendReaction(context.Background(), sess, 0)
	if err != nil {
		t.Fatalf("SendReaction failed: %v", err)
	}

	if result.Session.UserAllocation != 4_999_000 {
		t.Errorf("user allocation = %d, want 4999000", result.Session.UserAllocation)
	}
	if result.Session.PoolAllocation != 1_000 {
		t.Errorf("pool allocation = %d, want 1000", result.Session.PoolAllocation)
	}
	if result.Session.ReactionCount != 1 {
		t.Errorf("reaction count = %d, want 1", result.Session.ReactionCount)
	}
	if result.StateHash != "0xstate" {
		t.Errorf("state hash = %q, want %q", result.StateHash, "0xstate")
	}

	msg := client.lastRequest()
	if msg["type"] != types.MessageTypeStateUpdate {
		t.Errorf("wire type = %v", msg["type"])
	}
	if msg["action"] != types.ActionReaction {
		t.Errorf("action = %v, want %q", msg["action"], types.ActionReaction)
	}
	if msg["signature"] != "0xsignature" {
		t.Error("state update was not signed")
	}
	allocs, ok := msg["allocations"].([]types.Allocation)
	if !ok || len(allocs) != 2 {
		t.Fatalf("allocations = %v", msg["allocations"])
	}
	if allocs[0].Amount != "4999000" || allocs[1].Amount != "1000" {
		t.Errorf("wire allocations = %s/%s", allocs[0].Amount, allocs[1].Amount)
	}
}

func TestSendReactionInsufficientBalance(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 500)

	before := len(client.requests)
	_, err := s.SendReaction(context.Background(), sess, 0)
	if !errors.Is(err, types.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	// Nothing went to the wire and the session is unchanged.
	if len(client.requests) != before {
		t.Error("a rejected reaction still reached the wire")
	}
	if sess.UserAllocation != 500 || sess.PoolAllocation != 0 || sess.ReactionCount != 0 {
		t.Errorf("session mutated: user=%d pool=%d count=%d",
			sess.UserAllocation, sess.PoolAllocation, sess.ReactionCount)
	}
}

func TestSendReactionCustomCost(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 10_000)

	result, err := s.SendReaction(context.Background(), sess, 2_500)
	if err != nil {
		t.Fatalf("SendReaction failed: %v", err)
	}
	if result.Session.UserAllocation != 7_500 || result.Session.PoolAllocation != 2_500 {
		t.Errorf("allocations = %d/%d, want 7500/2500",
			result.Session.UserAllocation, result.Session.PoolAllocation)
	}
}

func TestSendReactionTransportFailure(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 5_000_000)

	sendErr := errors.New("socket gone")
	client.respond = func(msg types.Message) (*types.Response, error) { return nil, sendErr }

	_, err := s.SendReaction(context.Background(), sess, 0)
	if !errors.Is(err, sendErr) {
		t.Fatalf("error = %v, want wrapped send error", err)
	}

	// No local mutation without a node acknowledgement.
	if sess.UserAllocation != 5_000_000 || sess.PoolAllocation != 0 || sess.ReactionCount != 0 {
		t.Errorf("session mutated after failed send: user=%d pool=%d count=%d",
			sess.UserAllocation, sess.PoolAllocation, sess.ReactionCount)
	}
}

func TestSendReactionZeroStateHashFallback(t *testing.T) {
	client := &fakeClient{
		respond: func(msg types.Message) (*types.Response, error) {
			return &types.Response{Type: types.MessageTypeStateUpdate}, nil
		},
	}
	s, sess := newTestSettlement(t, client, 5_000_000)

	result, err := s.SendReaction(context.Background(), sess, 0)
	if err != nil {
		t.Fatalf("SendReaction failed: %v", err)
	}
	if result.StateHash != types.ZeroStateHash {
		t.Errorf("state hash = %q, want %q", result.StateHash, types.ZeroStateHash)
	}
}

func TestSendBatchReactions(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 10_000)

	before := len(client.requests)
	result, err := s.SendBatchReactions(context.Background(), sess, 5, 0)
	if err != nil {
		t.Fatalf("SendBatchReactions failed: %v", err)
	}

	if result.Session.UserAllocation != 5_000 || result.Session.PoolAllocation != 5_000 {
		t.Errorf("allocations = %d/%d, want 5000/5000",
			result.Session.UserAllocation, result.Session.PoolAllocation)
	}
	if result.Session.ReactionCount != 5 {
		t.Errorf("reaction count = %d, want 5", result.Session.ReactionCount)
	}

	// One wire message settles the whole batch.
	if len(client.requests) != before+1 {
		t.Errorf("batch produced %d wire messages, want 1", len(client.requests)-before)
	}
	msg := client.lastRequest()
	if msg["action"] != types.ActionBatchReaction {
		t.Errorf("action = %v, want %q", msg["action"], types.ActionBatchReaction)
	}
	metadata, ok := msg["metadata"].(map[string]interface{})
	if !ok {
		t.Fatalf("metadata = %v", msg["metadata"])
	}
	if metadata["reaction_count"] != 5 || metadata["total_cost"] != "5000" {
		t.Errorf("metadata = %v", metadata)
	}
}

func TestSendBatchReactionsRejectsBadInput(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 10_000)

	if _, err := s.SendBatchReactions(context.Background(), sess, 0, 0); !errors.Is(err, types.ErrInvalidAmount) {
		t.Errorf("count=0 error = %v, want ErrInvalidAmount", err)
	}
	if _, err := s.SendBatchReactions(context.Background(), sess, -3, 0); !errors.Is(err, types.ErrInvalidAmount) {
		t.Errorf("negative count error = %v, want ErrInvalidAmount", err)
	}
	if _, err := s.SendBatchReactions(context.Background(), sess, 11, 0); !errors.Is(err, types.ErrInsufficientBalance) {
		t.Errorf("over-budget error = %v, want ErrInsufficientBalance", err)
	}
	if sess.UserAllocation != 10_000 || sess.ReactionCount != 0 {
		t.Errorf("session mutated: user=%d count=%d", sess.UserAllocation, sess.ReactionCount)
	}
}

func TestConservationAcrossSequence(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 5_000_000)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.SendReaction(ctx, sess, 0); err != nil {
			t.Fatalf("reaction %d failed: %v", i, err)
		}
	}
	if _, err := s.SendBatchReactions(ctx, sess, 7, 0); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if sum := sess.UserAllocation + sess.PoolAllocation; sum != 5_000_000 {
		t.Errorf("allocation sum = %d, want 5000000", sum)
	}
	if sess.PoolAllocation != 10_000 {
		t.Errorf("pool allocation = %d, want 10000", sess.PoolAllocation)
	}
	if sess.ReactionCount != 10 {
		t.Errorf("reaction count = %d, want 10", sess.ReactionCount)
	}
}

func TestConcurrentReactionsSerialize(t *testing.T) {
	client := &fakeClient{}
	s, sess := newTestSettlement(t, client, 5_000_000)

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.SendReaction(context.Background(), sess, 0); err != nil {
				t.Errorf("concurrent reaction failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if sum := sess.UserAllocation + sess.PoolAllocation; sum != 5_000_000 {
		t.Errorf("allocation sum = %d, want 5000000", sum)
	}
	if sess.PoolAllocation != workers*1_000 {
		t.Errorf("pool allocation = %d, want %d", sess.PoolAllocation, workers*1_000)
	}
	if sess.ReactionCount != workers {
		t.Errorf("reaction count = %d, want %d", sess.ReactionCount, workers)
	}
}

func TestCanAffordAndRemaining(t *testing.T) {
	s, sess := newTestSettlement(t, &fakeClient{}, 2_500)

	if !s.CanAfford(sess, 0) {
		t.Error("CanAfford(default) = false with 2500 available")
	}
	if s.CanAfford(sess, 3_000) {
		t.Error("CanAfford(3000) = true with 2500 available")
	}
	if got := s.RemainingReactions(sess, 0); got != 2 {
		t.Errorf("RemainingReactions = %d, want 2", got)
	}
	if got := s.RemainingReactions(sess, 2_500); got != 1 {
		t.Errorf("RemainingReactions(2500) = %d, want 1", got)
	}
}

func TestEstimateCost(t *testing.T) {
	total, err := EstimateCost(5, 1_000)
	if err != nil || total != 5_000 {
		t.Fatalf("EstimateCost(5, 1000) = %d, %v", total, err)
	}

	if total, err := EstimateCost(0, 1_000); err != nil || total != 0 {
		t.Errorf("EstimateCost(0, 1000) = %d, %v", total, err)
	}
	if _, err := EstimateCost(-1, 1_000); !errors.Is(err, types.ErrInvalidAmount) {
		t.Errorf("negative count error = %v, want ErrInvalidAmount", err)
	}
	if _, err := EstimateCost(3, types.Amount(math.MaxUint64)); !errors.Is(err, types.ErrInvalidAmount) {
		t.Errorf("overflow error = %v, want ErrInvalidAmount", err)
	}
}

func TestDefaultCost(t *testing.T) {
	s, _ := newTestSettlement(t, &fakeClient{}, 1_000)
	if s.Cost() != DefaultCost {
		t.Errorf("Cost() = %d, want %d", s.Cost(), DefaultCost)
	}
}
