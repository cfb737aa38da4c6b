package models

// PresenceStatus is an agent's last known connectivity state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "ONLINE"
	StatusOffline PresenceStatus = "OFFLINE"
	StatusUnknown PresenceStatus = "UNKNOWN"
)

// Presence is the durable presence row for an agent. After a restart a
// stored ONLINE status is not trusted; every agent is treated as offline
// until it reconnects.
type Presence struct {
	AgentID  string         `json:"agent_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"last_seen"` // Unix micros
}
