package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clearpay/pkg/types"
)

const (
	testUser = "0xF16A94b6086b6d7948905f2B7244E96D0b8e3715"
	testPool = "0x57fd7DBbcE3F34E0c92bC0a9a2Ca2D207dD4D9Bb"
)

var testChannel = "0x" + strings.Repeat("ef", 32)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChannelState() *types.ChannelState {
	return &types.ChannelState{
		ChannelID:   testChannel,
		UserAddress: testUser,
		PoolAddress: testPool,
		Total:       10_000_000,
		Available:   10_000_000,
		Active:      true,
		CreatedAt:   time.UnixMilli(time.Now().UnixMilli()),
		Sessions:    make(map[string]*types.ReactionSession),
	}
}

func testSession(id string) *types.ReactionSession {
	now := time.UnixMilli(time.Now().UnixMilli())
	return &types.ReactionSession{
		SessionID:      id,
		ContextID:      "post-1",
		ChannelID:      testChannel,
		UserAllocation: 4_999_000,
		PoolAllocation: 1_000,
		CreatedAt:      now,
		LastActivity:   now,
		ReactionCount:  1,
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch := testChannelState()
	if err := s.SaveChannel(ctx, ch); err != nil {
		t.Fatalf("SaveChannel failed: %v", err)
	}
	sess := testSession("0xsession")
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	loaded, err := s.LoadChannels(ctx)
	if err != nil {
		t.Fatalf("LoadChannels failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d channels, want 1", len(loaded))
	}

	got := loaded[0]
	if got.ChannelID != ch.ChannelID || got.UserAddress != ch.UserAddress || got.PoolAddress != ch.PoolAddress {
		t.Errorf("channel identity mismatch: %+v", got)
	}
	if got.Total != ch.Total || got.Available != ch.Available || got.Active != ch.Active {
		t.Errorf("channel balances mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(ch.CreatedAt) {
		t.Errorf("created at = %v, want %v", got.CreatedAt, ch.CreatedAt)
	}

	gotSess, ok := got.Sessions["0xsession"]
	if !ok {
		t.Fatal("session missing from loaded channel")
	}
	if gotSess.UserAllocation != sess.UserAllocation || gotSess.PoolAllocation != sess.PoolAllocation {
		t.Errorf("session allocations = %d/%d", gotSess.UserAllocation, gotSess.PoolAllocation)
	}
	if gotSess.ReactionCount != 1 || gotSess.ContextID != "post-1" {
		t.Errorf("session fields mismatch: %+v", gotSess)
	}
}

func TestSaveChannelUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch := testChannelState()
	if err := s.SaveChannel(ctx, ch); err != nil {
		t.Fatalf("SaveChannel failed: %v", err)
	}

	ch.Available = 7_000_000
	ch.Active = false
	if err := s.SaveChannel(ctx, ch); err != nil {
		t.Fatalf("second SaveChannel failed: %v", err)
	}

	loaded, err := s.LoadChannels(ctx)
	if err != nil {
		t.Fatalf("LoadChannels failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d channels after upsert, want 1", len(loaded))
	}
	if loaded[0].Available != 7_000_000 || loaded[0].Active {
		t.Errorf("upsert not applied: available=%d active=%v", loaded[0].Available, loaded[0].Active)
	}
}

func TestSaveSessionUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveChannel(ctx, testChannelState()); err != nil {
		t.Fatalf("SaveChannel failed: %v", err)
	}
	sess := testSession("0xsession")
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	sess.UserAllocation = 4_998_000
	sess.PoolAllocation = 2_000
	sess.ReactionCount = 2
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("second SaveSession failed: %v", err)
	}

	loaded, err := s.LoadChannels(ctx)
	if err != nil {
		t.Fatalf("LoadChannels failed: %v", err)
	}
	got := loaded[0].Sessions["0xsession"]
	if got == nil || got.PoolAllocation != 2_000 || got.ReactionCount != 2 {
		t.Errorf("upsert not applied: %+v", got)
	}
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveChannel(ctx, testChannelState()); err != nil {
		t.Fatalf("SaveChannel failed: %v", err)
	}
	if err := s.SaveSession(ctx, testSession("0xsession")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := s.DeleteSession(ctx, "0xsession"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	loaded, err := s.LoadChannels(ctx)
	if err != nil {
		t.Fatalf("LoadChannels failed: %v", err)
	}
	if len(loaded[0].Sessions) != 0 {
		t.Errorf("session still present after delete")
	}

	// Deleting a missing session is not an error.
	if err := s.DeleteSession(ctx, "0xmissing"); err != nil {
		t.Errorf("delete of missing session failed: %v", err)
	}
}

func TestDeleteChannelCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveChannel(ctx, testChannelState()); err != nil {
		t.Fatalf("SaveChannel failed: %v", err)
	}
	if err := s.SaveSession(ctx, testSession("0xsession")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := s.DeleteChannel(ctx, testChannel); err != nil {
		t.Fatalf("DeleteChannel failed: %v", err)
	}

	loaded, err := s.LoadChannels(ctx)
	if err != nil {
		t.Fatalf("LoadChannels failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded %d channels after delete, want 0", len(loaded))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SaveChannel(ctx, testChannelState()); err != nil {
		t.Fatalf("SaveChannel failed: %v", err)
	}
	if err := s.SaveSession(ctx, testSession("0xsession")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadChannels(ctx)
	if err != nil {
		t.Fatalf("LoadChannels after reopen failed: %v", err)
	}
	if len(loaded) != 1 || len(loaded[0].Sessions) != 1 {
		t.Errorf("reopen lost data: %d channels", len(loaded))
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// Writes after close fail instead of hanging.
	if err := s.SaveChannel(context.Background(), testChannelState()); err == nil {
		t.Error("SaveChannel succeeded on a closed store")
	}
}
