package store

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayd-protocol/relayd/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool     *pgxpool.Pool
	clock    monotonicClock
	appendMu sync.Mutex
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	var maxTS *int64
	if err := pool.QueryRow(ctx, `SELECT MAX(ts) FROM messages`).Scan(&maxTS); err != nil {
		pool.Close()
		return nil, err
	}
	if maxTS != nil {
		s.clock.observe(*maxTS)
	}

	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		message_id TEXT UNIQUE NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		ts BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presence (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		last_seen BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendMessage stores a message, assigning its timestamp. A duplicate
// message id leaves the log unchanged and reports the original row's
// timestamp instead.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) (AppendResult, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	ts := s.clock.next()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, sender, content, ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.MessageID, msg.Sender, msg.Content, ts)
	if err != nil {
		return AppendResult{}, err
	}

	if tag.RowsAffected() == 0 {
		var stored int64
		err := s.pool.QueryRow(ctx, `
			SELECT ts FROM messages WHERE message_id = $1
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
func (s *PostgresStore) MessagesSince(ctx context.Context, since int64, limit int) ([]models.Message, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, sender, content, ts
		FROM messages
		WHERE ts > $1
		ORDER BY ts ASC, seq ASC
		LIMIT $2
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
func (s *PostgresStore) HasMessage(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM messages WHERE message_id = $1
	`, messageID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetPresence upserts an agent's presence row.
func (s *PostgresStore) SetPresence(ctx context.Context, agentID string, status models.PresenceStatus, lastSeen int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence (agent_id, status, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET status = EXCLUDED.status, last_seen = EXCLUDED.last_seen
	`, agentID, string(status), lastSeen)
	return err
}

// Presence retrieves an agent's presence row, nil if never seen.
func (s *PostgresStore) Presence(ctx context.Context, agentID string) (*models.Presence, error) {
	p := &models.Presence{AgentID: agentID}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status, last_seen FROM presence WHERE agent_id = $1
	`, agentID).Scan(&status, &p.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Status = models.PresenceStatus(status)
	return p, nil
}

// AllPresence retrieves every presence row.
func (s *PostgresStore) AllPresence(ctx context.Context) ([]models.Presence, error) {
	rows, err := s.pool.Query(ctx, `
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
