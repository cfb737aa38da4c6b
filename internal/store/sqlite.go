package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relayd-protocol/relayd/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db    *sql.DB
	clock monotonicClock

	// appendMu serializes appends so duplicate detection and timestamp
	// assignment behave as a single effective writer.
	appendMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/relayd.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/relayd.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}

	// Initialize schema
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}

	// Advance the timestamp clock past anything already stored.
	var maxTS sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(ts) FROM messages`).Scan(&maxTS); err != nil {
		return nil, err
	}
	if maxTS.Valid {
		s.clock.observe(maxTS.Int64)
	}

	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presence (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage stores a message, assigning its timestamp. A duplicate
// message id leaves the log unchanged and reports the original row's
// timestamp instead.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) (AppendResult, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	ts := s.clock.next()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, sender, content, ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, msg.MessageID, msg.Sender, msg.Content, ts)
	if err != nil {
		return AppendResult{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return AppendResult{}, err
	}
	if affected == 0 {
		var stored int64
		err := s.db.QueryRowContext(ctx, `
			SELECT ts FROM messages WHERE message_id = ?
		`, msg.MessageID).Scan(&stored)
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Appended: false, Timestamp: stored}, nil
	}

	msg.Timestamp = ts
	return AppendResult{Appended: true, Timestamp: ts}, nil
}

// MessagesSince returns stored messages with timestamp strictly greater
// than since, oldest first, insertion order breaking ties. The bool
// reports truncation at limit.
func (s *SQLiteStore) MessagesSince(ctx context.Context, since int64, limit int) ([]models.Message, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender, content, ts
		FROM messages
		WHERE ts > ?
		ORDER BY ts ASC, seq ASC
		LIMIT ?
	`, since, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.MessageID, &m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, false, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(messages) > limit {
		return messages[:limit], true, nil
	}
	return messages, false, nil
}

// HasMessage reports whether a message id is already stored.
func (s *SQLiteStore) HasMessage(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE message_id = ?
	`, messageID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetPresence upserts an agent's presence row.
func (s *SQLiteStore) SetPresence(ctx context.Context, agentID string, status models.PresenceStatus, lastSeen int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (agent_id, status, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen
	`, agentID, string(status), lastSeen)
	return err
}

// Presence retrieves an agent's presence row, nil if never seen.
func (s *SQLiteStore) Presence(ctx context.Context, agentID string) (*models.Presence, error) {
	p := &models.Presence{AgentID: agentID}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status, last_seen FROM presence WHERE agent_id = ?
	`, agentID).Scan(&status, &p.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Status = models.PresenceStatus(status)
	return p, nil
}

// AllPresence retrieves every presence row.
func (s *SQLiteStore) AllPresence(ctx context.Context) ([]models.Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, status, last_seen FROM presence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Presence
	for rows.Next() {
		var p models.Presence
		var status string
		if err := rows.Scan(&p.AgentID, &status, &p.LastSeen); err != nil {
			return nil, err
		}
		p.Status = models.PresenceStatus(status)
		records = append(records, p)
	}
	return records, rows.Err()
}
