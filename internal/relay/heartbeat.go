package relay

import (
	"context"
	"time"
)

// RunHeartbeat sweeps live sessions on the configured period until the
// context is cancelled. A session whose last activity is older than
// interval times the missed threshold is force-closed; this is the only
// eviction not initiated by the client or by shutdown.
func (rl *Relay) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *Relay) sweep() {
	cutoff := rl.cfg.HeartbeatInterval * time.Duration(rl.cfg.MissedThreshold)
	now := time.Now()

	for _, s := range rl.registry.All() {
		idle := now.Sub(s.LastActivity())
		if idle <= cutoff {
			continue
		}
		rl.logger.Warn().
			Str("agent", s.AgentID).
			Dur("idle", idle).
			Msg("heartbeat timeout, evicting session")
		rl.evict(s, "heartbeat")
	}
}
