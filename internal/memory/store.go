package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/waifuos/waifud/internal/config"
	_ "modernc.org/sqlite"
)

// Exchange is one recorded request/response pair.
type Exchange struct {
	ID          int64
	UserID      string
	CharacterID string
	SessionID   string
	ContextID   string
	Request     string
	Response    string
	CreatedAt   time.Time
}

// Store is the SQLite-backed conversation memory.
type Store struct {
	db    *sql.DB
	cfg   config.MemoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the memory store according to config.
func Open(ctx context.Context, cfg config.MemoryConfig, log *slog.Logger) (*Store, error) {
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

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "memory")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("memory prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS exchanges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    character_id TEXT,
    session_id TEXT,
    context_id TEXT,
    request TEXT NOT NULL,
    response TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_user_created ON exchanges(user_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one finished exchange.
func (s *Store) Append(ctx context.Context, ex Exchange) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges(user_id, character_id, session_id, context_id, request, response, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ex.UserID, ex.CharacterID, ex.SessionID, ex.ContextID, ex.Request, ex.Response,
		ex.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// Search retrieves the user's most recent exchanges matching the query,
// newest first.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT request, response, created_at FROM exchanges
		 WHERE user_id = ? AND (request LIKE ? OR response LIKE ?)
		 ORDER BY created_at DESC LIMIT ?`,
		userID, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var request, response, created string
		if err := rows.Scan(&request, &response, &created); err != nil {
			return nil, err
		}
		results = append(results, fmt.Sprintf("[%s] user: %s / assistant: %s", created, request, response))
	}
	return results, rows.Err()
}

// Prune applies the configured retention by age and by row count.
func (s *Store) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`,
			cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	if s.cfg.MaxExchanges > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM exchanges WHERE id IN (
			SELECT id FROM exchanges ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxExchanges); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
