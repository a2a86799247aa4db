package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    project_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    action TEXT NOT NULL,
    pid INTEGER,
    url TEXT,
    at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lifecycle_history_project ON lifecycle_history(project_id, seq);
`

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Entry is one recorded lifecycle transition.
type Entry struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	Kind      string  `json:"kind"`
	Action    string  `json:"action"`
	Pid       *int    `json:"pid"`
	URL       *string `json:"url"`
	// At is epoch milliseconds.
	At int64 `json:"at"`
}

// Store keeps an append-only lifecycle history in SQLite. It is a journal
// for the dashboard UI; pids recorded here are never read back to drive
// lifecycle decisions.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewStore opens (creating if needed) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Infof("[HISTORY] Initialized with database: %s", dbPath)
	return &Store{db: db, dbPath: dbPath, now: time.Now}, nil
}

// Record appends e, filling in ID and At when they are zero.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At == 0 {
		e.At = s.now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_history (id, project_id, kind, action, pid, url, at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Kind, e.Action, nullInt(e.Pid), nullString(e.URL), e.At)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to record history: %w", err)
	}

	log.Debugf("[HISTORY] %s %s %s", e.ProjectID, e.Kind, e.Action)
	return e, nil
}

// List returns up to limit entries for projectID, newest first. limit is
// clamped to [1, MaxLimit].
func (s *Store) List(ctx context.Context, projectID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, kind, action, pid, url, at
         FROM lifecycle_history WHERE project_id = ? ORDER BY seq DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e   Entry
			pid sql.NullInt64
			url sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.Action, &pid, &url, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if pid.Valid {
			v := int(pid.Int64)
			e.Pid = &v
		}
		if url.Valid {
			v := url.String
			e.URL = &v
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes all history for projectID.
func (s *Store) Clear(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM lifecycle_history WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	log.Debugf("[HISTORY] Cleared history for %s", projectID)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	log.Infof("[HISTORY] Store closed")
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
