// Package history persists resolved snapshot captures to a local
// SQLite database so they outlive the backend's retention window and
// can be browsed offline.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
)

// ErrNotFound means the requested capture is not in the archive.
var ErrNotFound = errors.New("history: capture not found")

const schema = `
CREATE TABLE IF NOT EXISTS captures (
    breakpoint_id TEXT PRIMARY KEY,
    debuggee_id TEXT NOT NULL,
    path TEXT NOT NULL,
    line INTEGER NOT NULL,
    condition TEXT,
    create_time_msec INTEGER,
    archived_at TIMESTAMP NOT NULL,
    record TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_captures_debuggee
    ON captures(debuggee_id, archived_at);
`

// Archive is a local capture store backed by SQLite. Use ":memory:"
// as the path for testing.
type Archive struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}

	// SQLite only allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: creating schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// SaveCapture stores a completed breakpoint's full record. Saving the
// same breakpoint id again replaces the earlier row.
func (a *Archive) SaveCapture(debuggeeID string, bp *breakpoint.Breakpoint) error {
	rec, err := json.Marshal(bp.ToWireRecord(nil))
	if err != nil {
		return fmt.Errorf("history: encoding capture %s: %w", bp.ID, err)
	}
	_, err = a.db.Exec(`
		INSERT OR REPLACE INTO captures
		    (breakpoint_id, debuggee_id, path, line, condition, create_time_msec, archived_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bp.ID, debuggeeID, bp.Path, bp.Line, bp.Condition,
		bp.CreateTimeUnixMsec, time.Now().UTC(), string(rec))
	if err != nil {
		return fmt.Errorf("history: saving capture %s: %w", bp.ID, err)
	}
	return nil
}

// Entry is one archived capture, without the full stack payload.
type Entry struct {
	BreakpointID string
	DebuggeeID   string
	Path         string
	Line         int
	Condition    string
	ArchivedAt   time.Time
}

// List returns the archived captures for a debuggee, newest first.
func (a *Archive) List(debuggeeID string) ([]Entry, error) {
	rows, err := a.db.Query(`
		SELECT breakpoint_id, debuggee_id, path, line, condition, archived_at
		FROM captures
		WHERE debuggee_id = ?
		ORDER BY archived_at DESC`, debuggeeID)
	if err != nil {
		return nil, fmt.Errorf("history: listing captures: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var condition sql.NullString
		if err := rows.Scan(&e.BreakpointID, &e.DebuggeeID, &e.Path, &e.Line, &condition, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("history: scanning capture row: %w", err)
		}
		e.Condition = condition.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: listing captures: %w", err)
	}
	return entries, nil
}

// Get loads one archived capture with its full record.
func (a *Archive) Get(breakpointID string) (*breakpoint.Breakpoint, error) {
	var raw string
	err := a.db.QueryRow(
		`SELECT record FROM captures WHERE breakpoint_id = ?`,
		breakpointID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, breakpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("history: loading capture %s: %w", breakpointID, err)
	}
	var rec breakpoint.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("history: decoding capture %s: %w", breakpointID, err)
	}
	bp := breakpoint.FromWireRecord(&rec)
	if bp.ID == "" {
		bp.ID = breakpointID
	}
	return bp, nil
}
