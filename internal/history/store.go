package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scribelabs/scribe-core/internal/config"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 15
	maxListLimit     = 500
)

// Entry is one stored transcription.
type Entry struct {
	ID           int64
	SessionID    string
	Text         string
	Model        string
	DurationMS   int64
	TranscribeMS int64
	StopReason   string
	CreatedAt    time.Time
}

// Store keeps finished transcriptions in a local SQLite database with an
// FTS5 index over the text. When history is disabled every operation is a
// no-op against a nil database, so callers never branch on the setting.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS transcriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    model TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    transcribe_ms INTEGER NOT NULL DEFAULT 0,
    stop_reason TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_created ON transcriptions(created_at DESC);
CREATE VIRTUAL TABLE IF NOT EXISTS transcriptions_fts USING fts5(text, content='transcriptions', content_rowid='id');
CREATE TRIGGER IF NOT EXISTS transcriptions_ai AFTER INSERT ON transcriptions BEGIN
    INSERT INTO transcriptions_fts(rowid, text) VALUES (new.id, new.text);
END;
CREATE TRIGGER IF NOT EXISTS transcriptions_ad AFTER DELETE ON transcriptions BEGIN
    INSERT INTO transcriptions_fts(transcriptions_fts, rowid, text) VALUES ('delete', old.id, old.text);
END;
CREATE TRIGGER IF NOT EXISTS transcriptions_au AFTER UPDATE OF text ON transcriptions BEGIN
    INSERT INTO transcriptions_fts(transcriptions_fts, rowid, text) VALUES ('delete', old.id, old.text);
    INSERT INTO transcriptions_fts(rowid, text) VALUES (new.id, new.text);
END;
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether entries are actually persisted.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores a finished transcription and returns its id.
func (s *Store) Insert(ctx context.Context, e Entry) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions(session_id, text, model, duration_ms, transcribe_ms, stop_reason, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Text, e.Model, e.DurationMS, e.TranscribeMS, e.StopReason, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns the newest entries first, up to limit.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, model, duration_ms, transcribe_ms, stop_reason, created_at
		 FROM transcriptions ORDER BY id DESC LIMIT ?`, s.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search runs a full-text query over stored transcripts, best match first.
// The query is tokenized and quoted before it reaches FTS5, so user input
// cannot trip its operator syntax.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	match := ftsQuery(query)
	if match == "" {
		return s.List(ctx, limit)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.session_id, t.text, t.model, t.duration_ms, t.transcribe_ms, t.stop_reason, t.created_at
		 FROM transcriptions_fts f
		 JOIN transcriptions t ON t.id = f.rowid
		 WHERE transcriptions_fts MATCH ?
		 ORDER BY rank LIMIT ?`, match, s.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Update replaces the text of one entry, reporting whether it existed.
// The FTS index follows through the update trigger.
func (s *Store) Update(ctx context.Context, id int64, text string) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE transcriptions SET text = ? WHERE id = ?`, text, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes one entry, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcriptions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear removes every entry and returns how many were deleted.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcriptions`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) clampLimit(limit int) int {
	if limit <= 0 {
		limit = s.cfg.ListLimit
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Text, &e.Model, &e.DurationMS, &e.TranscribeMS, &e.StopReason, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ftsQuery turns free-form user input into an FTS5 match expression: each
// token double-quoted, joined with implicit AND.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
