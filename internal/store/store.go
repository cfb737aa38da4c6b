package store

import (
	"context"

	"github.com/relayd-protocol/relayd/internal/models"
)

// AppendResult is the outcome of an append. Appended is false when the
// message id was already stored; Timestamp is then the original row's
// timestamp, so the caller can still ACK idempotently.
type AppendResult struct {
	Appended  bool
	Timestamp int64
}

// Store defines the interface for durable message and presence storage.
// Both SQLiteStore and PostgresStore implement this interface; the relay
// only ever sees it, so tests can substitute their own.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message log. AppendMessage assigns a timestamp that strictly
	// increases in insertion order and is idempotent on duplicate ids.
	// MessagesSince returns rows with timestamp strictly greater than
	// since, ascending, at most limit of them; the bool reports whether
	// the limit truncated the result.
	AppendMessage(ctx context.Context, msg *models.Message) (AppendResult, error)
	MessagesSince(ctx context.Context, since int64, limit int) ([]models.Message, bool, error)
	HasMessage(ctx context.Context, messageID string) (bool, error)

	// Presence table. SetPresence upserts; Presence returns nil for an
	// agent never seen.
	SetPresence(ctx context.Context, agentID string, status models.PresenceStatus, lastSeen int64) error
	Presence(ctx context.Context, agentID string) (*models.Presence, error)
	AllPresence(ctx context.Context) ([]models.Presence, error)
}
