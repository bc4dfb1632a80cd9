// Package store persists session transcripts to SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/agentloop/internal/llm"
)

// Store handles SQLite operations for session persistence.
type Store struct {
	db     *sql.DB
	dbPath string
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Contents  int
}

// Open creates a store at dbPath, creating the file and schema as needed.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS contents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_contents_session ON contents(session_id, position);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SaveTurn replaces the stored transcript for the session with the given
// history. Called after each completed turn.
func (s *Store) SaveTurn(sessionID string, history []*llm.Content) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sessions (id) VALUES (?)
		ON CONFLICT(id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`, sessionID)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM contents WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear contents: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO contents (session_id, position, role, parts) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, content := range history {
		if content == nil {
			continue
		}
		parts, err := encodeParts(content.Parts)
		if err != nil {
			return fmt.Errorf("encode parts at %d: %w", i, err)
		}
		if _, err := stmt.Exec(sessionID, i, string(content.Role), parts); err != nil {
			return fmt.Errorf("insert content at %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadSession returns the stored transcript for the session, in order.
// A session with no stored rows yields an empty slice.
func (s *Store) LoadSession(sessionID string) ([]*llm.Content, error) {
	rows, err := s.db.Query(
		"SELECT role, parts FROM contents WHERE session_id = ? ORDER BY position", sessionID)
	if err != nil {
		return nil, fmt.Errorf("query contents: %w", err)
	}
	defer rows.Close()

	var history []*llm.Content
	for rows.Next() {
		var role, parts string
		if err := rows.Scan(&role, &parts); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		decoded, err := decodeParts([]byte(parts))
		if err != nil {
			return nil, fmt.Errorf("decode parts: %w", err)
		}
		history = append(history, &llm.Content{Role: llm.Role(role), Parts: decoded})
	}
	return history, rows.Err()
}

// ListSessions returns stored sessions, most recently updated first.
func (s *Store) ListSessions() ([]SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.created_at, s.updated_at, COUNT(c.id)
		FROM sessions s
		LEFT JOIN contents c ON c.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &info.Contents); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its contents.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID)
	return err
}
