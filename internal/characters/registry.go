package characters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
	_ "modernc.org/sqlite"
)

// Character is one configured persona.
type Character struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	SpeechService   string         `json:"speech_service,omitempty"`
	Speaker         string         `json:"speaker,omitempty"`
	BirthdayMMDD    string         `json:"birthday_mmdd,omitempty"`
	SharedContextID string         `json:"shared_context_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	// Portrait is populated by Get only; listings omit it.
	Portrait []byte `json:"portrait,omitempty"`
}

// Publisher broadcasts activation changes. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Registry is the SQLite-backed character store. Activation is scoped
// per user: the activations table's primary key guarantees at most one
// active character per user.
type Registry struct {
	db        *sql.DB
	dataDir   string
	publisher Publisher
	log       *slog.Logger
	clock     func() time.Time
}

// Open initializes the registry according to config.
func Open(ctx context.Context, cfg config.CharactersConfig, publisher Publisher, log *slog.Logger) (*Registry, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create character data dir: %w", err)
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

	r := &Registry{
		db:        db,
		dataDir:   cfg.DataDir,
		publisher: publisher,
		log:       log.With(slog.String("component", "characters")),
		clock:     time.Now,
	}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS characters (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    speech_service TEXT,
    speaker TEXT,
    birthday_mmdd TEXT,
    shared_context_id TEXT,
    metadata TEXT,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS activations (
    user_id TEXT PRIMARY KEY,
    character_id TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY(character_id) REFERENCES characters(id) ON DELETE CASCADE
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Dir returns the on-disk asset directory for a character.
func (r *Registry) Dir(id string) string {
	return filepath.Join(r.dataDir, id)
}

const characterColumns = `id, name, speech_service, speaker, birthday_mmdd, shared_context_id, metadata, updated_at`

func scanCharacter(row interface{ Scan(...any) error }) (Character, error) {
	var c Character
	var metadata sql.NullString
	var updated string
	err := row.Scan(&c.ID, &c.Name, &c.SpeechService, &c.Speaker, &c.BirthdayMMDD,
		&c.SharedContextID, &metadata, &updated)
	if err != nil {
		return Character{}, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
			return Character{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		c.UpdatedAt = ts
	}
	return c, nil
}

// List returns all characters ordered by name, without portraits.
func (r *Registry) List(ctx context.Context) ([]Character, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns one character with its portrait loaded from disk.
func (r *Registry) Get(ctx context.Context, id string) (Character, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = ?`, id)
	c, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Character{}, fmt.Errorf("%w: character %s", protocol.ErrNotFound, id)
	}
	if err != nil {
		return Character{}, err
	}
	if portrait, err := os.ReadFile(filepath.Join(r.Dir(id), "icon.png")); err == nil {
		c.Portrait = portrait
	}
	return c, nil
}

// Put inserts or replaces a character row.
func (r *Registry) Put(ctx context.Context, c Character) error {
	var metadata any
	if c.Metadata != nil {
		data, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO characters(`+characterColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   speech_service=excluded.speech_service,
		   speaker=excluded.speaker,
		   birthday_mmdd=excluded.birthday_mmdd,
		   shared_context_id=excluded.shared_context_id,
		   metadata=excluded.metadata,
		   updated_at=excluded.updated_at`,
		c.ID, c.Name, c.SpeechService, c.Speaker, c.BirthdayMMDD,
		c.SharedContextID, metadata, r.clock().UTC().Format(time.RFC3339Nano))
	return err
}

// Update applies changes to an existing character and returns the
// stored result.
func (r *Registry) Update(ctx context.Context, c Character) (Character, error) {
	if _, err := r.Get(ctx, c.ID); err != nil {
		return Character{}, err
	}
	if err := r.Put(ctx, c); err != nil {
		return Character{}, err
	}
	return r.Get(ctx, c.ID)
}

// Delete removes a character, its activations and its on-disk assets.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: character %s", protocol.ErrNotFound, id)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM activations WHERE character_id = ?`, id); err != nil {
		return err
	}
	if err := os.RemoveAll(r.Dir(id)); err != nil {
		r.log.Warn("character asset removal failed",
			slog.String("character_id", id),
			slog.String("error", err.Error()))
	}
	return nil
}

// Activate makes the character the user's active one, returning the
// previously active id. The change is broadcast on the bus.
func (r *Registry) Activate(ctx context.Context, userID, characterID string) (string, error) {
	c, err := r.Get(ctx, characterID)
	if err != nil {
		return "", err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var prior string
	err = tx.QueryRowContext(ctx,
		`SELECT character_id FROM activations WHERE user_id = ?`, userID).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO activations(user_id, character_id, updated_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   character_id=excluded.character_id,
		   updated_at=excluded.updated_at`,
		userID, characterID, r.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	r.log.Info("character activated",
		slog.String("user_id", userID),
		slog.String("character_id", characterID),
		slog.String("prior_id", prior))
	r.announce(c, prior)
	return prior, nil
}

func (r *Registry) announce(c Character, prior string) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(protocol.CharacterActivated{
		CharacterID:   c.ID,
		PriorID:       prior,
		SpeechService: c.SpeechService,
		Speaker:       c.Speaker,
		Timestamp:     r.clock().UTC(),
	})
	if err != nil {
		return
	}
	if err := r.publisher.Publish(protocol.SubjectCharacterActivated, data); err != nil {
		r.log.Debug("activation publish failed", slog.String("error", err.Error()))
	}
}

// ActiveCharacter returns the user's active character, if any.
func (r *Registry) ActiveCharacter(ctx context.Context, userID string) (Character, bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT character_id FROM activations WHERE user_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Character{}, false, nil
	}
	if err != nil {
		return Character{}, false, err
	}
	c, err := r.Get(ctx, id)
	if errors.Is(err, protocol.ErrNotFound) {
		return Character{}, false, nil
	}
	if err != nil {
		return Character{}, false, err
	}
	return c, true, nil
}

// SetPortrait stores the character's icon on disk.
func (r *Registry) SetPortrait(ctx context.Context, id string, png []byte) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.writeIcon(id, png)
}

func (r *Registry) writeIcon(id string, png []byte) error {
	if err := os.MkdirAll(r.Dir(id), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.Dir(id), "icon.png"), png, 0o644)
}
