package contextstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waifuos/waifud/internal/config"
)

// Context associates a generation-engine continuity token with one
// (user, session) pair. The token is opaque to everything but the
// generation adapter.
type Context struct {
	UserID    string
	SessionID string
	ContextID string
	UpdatedAt time.Time
}

// User is the identity row the companion learns about its user over
// time (via the update_userinfo tool).
type User struct {
	UserID      string
	CharacterID string
	UserName    string
	Relation    string
	UpdatedAt   time.Time
}

// Store is the single source of truth for continuity tokens and user
// identity rows. Writes for the same (user, session) key are serialized
// through a per-key mutex so a slow turn cannot clobber a newer token
// mid-write.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	keys  *keyMutex
	clock func() time.Time
}

// Open initializes the SQLite-backed store, creating the schema on
// first use.
func Open(ctx context.Context, cfg config.ContextStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log.With(slog.String("component", "contextstore")),
		keys:  newKeyMutex(),
		clock: time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS contexts (
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    context_id TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (user_id, session_id)
);
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT NOT NULL,
    character_id TEXT NOT NULL,
    user_name TEXT,
    relation TEXT,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (user_id, character_id)
);
CREATE INDEX IF NOT EXISTS idx_contexts_updated ON contexts(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func contextKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// GetContext returns the continuity token last persisted for the pair,
// or ok=false when the pair has no context yet.
func (s *Store) GetContext(ctx context.Context, userID, sessionID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT context_id FROM contexts WHERE user_id = ? AND session_id = ?`,
		userID, sessionID)
	var contextID string
	if err := row.Scan(&contextID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return contextID, true, nil
}

// PutContext upserts the continuity token for the pair. Concurrent
// calls for the same pair apply in completion order, one at a time.
func (s *Store) PutContext(ctx context.Context, userID, sessionID, contextID string) error {
	key := contextKey(userID, sessionID)
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (user_id, session_id, context_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, session_id) DO UPDATE SET
		     context_id = excluded.context_id,
		     updated_at = excluded.updated_at`,
		userID, sessionID, contextID, s.clock().UTC().Format(time.RFC3339Nano))
	return err
}

// RemoveContext drops the continuity token for the pair.
func (s *Store) RemoveContext(ctx context.Context, userID, sessionID string) error {
	key := contextKey(userID, sessionID)
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contexts WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	return err
}

// ClearBefore removes contexts not touched since the cutoff. Used by
// the runtime's daily sweep.
func (s *Store) ClearBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM contexts WHERE updated_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetUser returns the identity row for (user, character), or ok=false.
func (s *Store) GetUser(ctx context.Context, userID, characterID string) (User, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, character_id, user_name, relation, updated_at
		 FROM users WHERE user_id = ? AND character_id = ?`,
		userID, characterID)
	var u User
	var userName, relation sql.NullString
	var updated string
	if err := row.Scan(&u.UserID, &u.CharacterID, &userName, &relation, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, false, nil
		}
		return User{}, false, err
	}
	u.UserName = userName.String
	u.Relation = relation.String
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		u.UpdatedAt = ts
	}
	return u, true, nil
}

// UserExists reports whether the user id is known under any character.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE user_id = ? LIMIT 1`, userID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PutUser upserts the identity row, keeping existing name/relation
// when the new values are empty.
func (s *Store) PutUser(ctx context.Context, u User) (User, error) {
	u.UpdatedAt = s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, character_id, user_name, relation, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, character_id) DO UPDATE SET
		     user_name = CASE WHEN excluded.user_name != '' THEN excluded.user_name ELSE users.user_name END,
		     relation = CASE WHEN excluded.relation != '' THEN excluded.relation ELSE users.relation END,
		     updated_at = excluded.updated_at`,
		u.UserID, u.CharacterID, u.UserName, u.Relation, u.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return User{}, err
	}
	stored, _, err := s.GetUser(ctx, u.UserID, u.CharacterID)
	return stored, err
}
