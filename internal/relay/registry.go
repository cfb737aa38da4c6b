package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayd-protocol/relayd/internal/metrics"
	"github.com/relayd-protocol/relayd/internal/models"
	"github.com/relayd-protocol/relayd/internal/store"
)

// Registry owns every live Session and the in-memory presence view. All
// mutations run under one mutex, and the durable presence row is written
// before the in-memory map changes, so a crash between the two can only
// leave the store claiming ONLINE for an agent that is gone — which a
// restart corrects by marking everyone OFFLINE.
type Registry struct {
	store  store.Store
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	lastSeen map[string]int64 // agents known to the store but not connected
}

// NewRegistry builds the registry and seeds the presence view from the
// store. Any agent the store still claims ONLINE is demoted: a fresh
// process has no sessions, so nobody is online yet.
func NewRegistry(ctx context.Context, st store.Store, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		store:    st,
		logger:   logger,
		sessions: make(map[string]*Session),
		lastSeen: make(map[string]int64),
	}

	records, err := st.AllPresence(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range records {
		r.lastSeen[p.AgentID] = p.LastSeen
		if p.Status == models.StatusOnline {
			if err := st.SetPresence(ctx, p.AgentID, models.StatusOffline, p.LastSeen); err != nil {
				return nil, err
			}
		}
	}

	return r, nil
}

// Register installs a session for its agent, returning the superseded
// session (nil if none) and the online count including the new arrival.
// The caller notifies and closes the superseded session; the registry
// only guarantees the map never holds two sessions for one agent.
func (r *Registry) Register(ctx context.Context, s *Session) (*Session, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.SetPresence(ctx, s.AgentID, models.StatusOnline, time.Now().UnixMicro()); err != nil {
		return nil, 0, err
	}

	prev := r.sessions[s.AgentID]
	r.sessions[s.AgentID] = s
	delete(r.lastSeen, s.AgentID)

	metrics.ConnectionsActive.Set(float64(len(r.sessions)))
	return prev, len(r.sessions), nil
}

// Unregister removes a session if it is still the agent's current one,
// persisting the OFFLINE transition with the given last seen time
// first. The replay cursor on reconnect starts from lastSeen, so
// evictions pass the session's last activity rather than the teardown
// time. It returns false when the session was already superseded or
// removed.
func (r *Registry) Unregister(ctx context.Context, s *Session, lastSeen int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.AgentID] != s {
		return false
	}

	if err := r.store.SetPresence(ctx, s.AgentID, models.StatusOffline, lastSeen); err != nil {
		// The in-memory teardown proceeds regardless; a stale ONLINE row
		// is repaired on the next restart.
		r.logger.Warn().Err(err).Str("agent", s.AgentID).Msg("presence write failed on unregister")
	}

	delete(r.sessions, s.AgentID)
	r.lastSeen[s.AgentID] = lastSeen

	metrics.ConnectionsActive.Set(float64(len(r.sessions)))
	return true
}

// Lookup returns the agent's live session, nil if offline.
func (r *Registry) Lookup(agentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// OnlineCount returns the number of live sessions.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Status reports an agent's presence as seen from memory.
func (r *Registry) Status(agentID string) models.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[agentID]; ok {
		return models.StatusOnline
	}
	if _, ok := r.lastSeen[agentID]; ok {
		return models.StatusOffline
	}
	return models.StatusUnknown
}
