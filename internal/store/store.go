package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"clearpay/pkg/types"
)

// Store persists channel and session snapshots in SQLite so the ledger
// survives process restarts. Reads run concurrently; writes go through a
// single-writer goroutine to avoid SQLite write contention.
type Store struct {
	db       *sql.DB
	writeCh  chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type writeOp struct {
	operation func(*sql.DB) error
	result    chan error
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	channel_id   TEXT PRIMARY KEY,
	user_address TEXT NOT NULL,
	pool_address TEXT NOT NULL,
	total        INTEGER NOT NULL,
	available    INTEGER NOT NULL,
	active       INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	channel_id     TEXT NOT NULL REFERENCES channels(channel_id) ON DELETE CASCADE,
	context_id     TEXT NOT NULL,
	user_alloc     INTEGER NOT NULL,
	pool_alloc     INTEGER NOT NULL,
	reaction_count INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	last_activity  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id);
`

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}

	s := &Store{
		db:       db,
		writeCh:  make(chan writeOp, 100),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("snapshot store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("snapshot write timeout")
	case <-s.shutdown:
		return fmt.Errorf("snapshot store is shutting down")
	}
}

// SaveChannel upserts one channel row. Sessions are saved separately.
func (s *Store) SaveChannel(ctx context.Context, ch *types.ChannelState) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO channels (channel_id, user_address, pool_address, total, available, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET
				total = excluded.total,
				available = excluded.available,
				active = excluded.active
		`
		_, err := db.ExecContext(ctx, query,
			ch.ChannelID,
			ch.UserAddress,
			ch.PoolAddress,
			int64(ch.Total),
			int64(ch.Available),
			boolToInt(ch.Active),
			ch.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to save channel: %w", err)
		}
		return nil
	})
}

// DeleteChannel removes a channel and, through the foreign key cascade, its
// sessions.
func (s *Store) DeleteChannel(ctx context.Context, channelID string) error {
	return s.executeWrite(func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, channelID); err != nil {
			return fmt.Errorf("failed to delete channel: %w", err)
		}
		return nil
	})
}

// SaveSession upserts one session row.
func (s *Store) SaveSession(ctx context.Context, session *types.ReactionSession) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO sessions (session_id, channel_id, context_id, user_alloc, pool_alloc, reaction_count, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				user_alloc = excluded.user_alloc,
				pool_alloc = excluded.pool_alloc,
				reaction_count = excluded.reaction_count,
				last_activity = excluded.last_activity
		`
		_, err := db.ExecContext(ctx, query,
			session.SessionID,
			session.ChannelID,
			session.ContextID,
			int64(session.UserAllocation),
			int64(session.PoolAllocation),
			session.ReactionCount,
			session.CreatedAt.UnixMilli(),
			session.LastActivity.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes one session row.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.executeWrite(func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

// LoadChannels reads every persisted channel with its sessions attached.
func (s *Store) LoadChannels(ctx context.Context) ([]*types.ChannelState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_address, pool_address, total, available, active, created_at
		FROM channels
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*types.ChannelState)
	var channels []*types.ChannelState

	for rows.Next() {
		var (
			ch        types.ChannelState
			total     int64
			available int64
			active    int
			createdAt int64
		)
		if err := rows.Scan(&ch.ChannelID, &ch.UserAddress, &ch.PoolAddress, &total, &available, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		ch.Total = types.Amount(total)
		ch.Available = types.Amount(available)
		ch.Active = active != 0
		ch.CreatedAt = time.UnixMilli(createdAt)
		ch.Sessions = make(map[string]*types.ReactionSession)

		state := ch
		byID[state.ChannelID] = &state
		channels = append(channels, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel rows: %w", err)
	}

	if err := s.loadSessions(ctx, byID); err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *Store) loadSessions(ctx context.Context, byID map[string]*types.ChannelState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, channel_id, context_id, user_alloc, pool_alloc, reaction_count, created_at, last_activity
		FROM sessions
	`)
	if err != nil {
		return fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			sess         types.ReactionSession
			userAlloc    int64
			poolAlloc    int64
			createdAt    int64
			lastActivity int64
		)
		if err := rows.Scan(&sess.SessionID, &sess.ChannelID, &sess.ContextID, &userAlloc, &poolAlloc, &sess.ReactionCount, &createdAt, &lastActivity); err != nil {
			return fmt.Errorf("failed to scan session row: %w", err)
		}
		sess.UserAllocation = types.Amount(userAlloc)
		sess.PoolAllocation = types.Amount(poolAlloc)
		sess.CreatedAt = time.UnixMilli(createdAt)
		sess.LastActivity = time.UnixMilli(lastActivity)

		if ch, ok := byID[sess.ChannelID]; ok {
			session := sess
			ch.Sessions[session.SessionID] = &session
		} else {
			log.Printf("store: orphan session %s for unknown channel %s", sess.SessionID, sess.ChannelID)
		}
	}
	return rows.Err()
}

// Close shuts down the writer and closes the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot store: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
