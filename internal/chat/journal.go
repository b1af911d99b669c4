package chat

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

// Journal message directions.
const (
	DirIn  = "in"  // user to bot
	DirOut = "out" // bot to user
)

const journalDDL = `
CREATE TABLE IF NOT EXISTS journal (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	direction  TEXT    NOT NULL,
	session_id TEXT    NOT NULL DEFAULT '',
	content    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT    PRIMARY KEY,
	project_id    TEXT    NOT NULL,
	working_dir   TEXT    NOT NULL DEFAULT '',
	status        TEXT    NOT NULL,
	last_activity INTEGER NOT NULL,
	is_quick      INTEGER NOT NULL DEFAULT 0
);
`

// Journal persists bot traffic plus the last session snapshot, so
// /sessions has an answer right after a bot restart while the agent is
// unreachable.
type Journal struct {
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// sqlite takes one writer; a single pooled conn avoids lock errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(journalDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Entry is one journalled message.
type Entry struct {
	Direction string
	SessionID string
	Content   string
	At        time.Time
}

func (j *Journal) Log(direction, sessionID, content string) error {
	_, err := j.db.Exec(
		`INSERT INTO journal (direction, session_id, content, created_at) VALUES (?, ?, ?, ?)`,
		direction, sessionID, content, time.Now().UnixMilli())
	return err
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT direction, session_id, content, created_at FROM journal ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.Direction, &e.SessionID, &e.Content, &ms); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSessions replaces the session snapshot.
func (j *Journal) SaveSessions(list []protocol.SessionInfo) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return err
	}
	for _, s := range list {
		quick := 0
		if s.IsQuickSession {
			quick = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO sessions (session_id, project_id, working_dir, status, last_activity, is_quick)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			s.SessionID, s.ProjectID, s.WorkingDir, s.Status, s.LastActivity, quick); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Sessions returns the last snapshot, most recently active first.
func (j *Journal) Sessions() ([]protocol.SessionInfo, error) {
	rows, err := j.db.Query(
		`SELECT session_id, project_id, working_dir, status, last_activity, is_quick
		 FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.SessionInfo
	for rows.Next() {
		var s protocol.SessionInfo
		var quick int
		if err := rows.Scan(&s.SessionID, &s.ProjectID, &s.WorkingDir, &s.Status, &s.LastActivity, &quick); err != nil {
			return nil, err
		}
		s.IsQuickSession = quick != 0
		out = append(out, s)
	}
	return out, rows.Err()
}
