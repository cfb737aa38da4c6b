// Package relay implements the engine behind the websocket endpoint:
// session registry, per-connection protocol handling, offline replay,
// heartbeat supervision and drain-on-shutdown.
package relay

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/relayd-protocol/relayd/internal/config"
	"github.com/relayd-protocol/relayd/internal/metrics"
	"github.com/relayd-protocol/relayd/internal/models"
	"github.com/relayd-protocol/relayd/internal/protocol"
	"github.com/relayd-protocol/relayd/internal/store"
)

// storeTimeout bounds every store operation issued on behalf of a
// connection, so storage trouble surfaces as an error instead of a hung
// read loop.
const storeTimeout = 5 * time.Second

// announceSender is the synthetic identity on join/leave notices.
const announceSender = "relay_server"

// Relay owns the registry and drives every connection's protocol state
// machine. A single Relay serves one store; there is no cross-process
// coordination.
type Relay struct {
	cfg      *config.Config
	store    store.Store
	registry *Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	draining atomic.Bool
	inflight sync.WaitGroup // store appends not yet acknowledged
}

// New wires a Relay over an already-seeded registry.
func New(cfg *config.Config, st store.Store, registry *Registry, logger zerolog.Logger) *Relay {
	return &Relay{
		cfg:      cfg,
		store:    st,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents connect from anywhere; identity is the HELLO sender,
			// not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the session registry for the HTTP handlers.
func (rl *Relay) Registry() *Registry {
	return rl.registry
}

// HandleWS upgrades an HTTP request and runs the connection until it
// closes. Upgrades are refused once shutdown has begun.
func (rl *Relay) HandleWS(w http.ResponseWriter, r *http.Request) {
	if rl.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	rl.handleConn(conn)
}

// fanout enqueues a frame to every live session except the named agent.
// A session whose outbound buffer is full is treated as dead and
// evicted; it never delays the others.
func (rl *Relay) fanout(frame []byte, exceptAgent string) {
	for _, s := range rl.registry.All() {
		if s.AgentID == exceptAgent {
			continue
		}
		if s.Send(frame) {
			metrics.FanoutDelivered.Inc()
			continue
		}
		if s.Closed() {
			continue
		}
		metrics.FanoutDropped.Inc()
		rl.logger.Warn().Str("agent", s.AgentID).Msg("outbound buffer overflow, evicting session")
		rl.evict(s, "overflow")
	}
}

// evict force-closes a session that stopped keeping up: heartbeat
// timeouts and buffer overflows land here. The client is not notified;
// it is already unreachable. Its last activity, not the eviction time,
// becomes its last seen time — an eviction can fire a full sweep
// window after the agent went silent.
func (rl *Relay) evict(s *Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if rl.registry.Unregister(ctx, s, s.LastActivity().UnixMicro()) {
		metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	}
	s.Close()
}

// announce fans out a transient notice from the relay itself. Notices
// are not persisted and never reach the agent they are about.
func (rl *Relay) announce(exceptAgent, content string) {
	msg := models.Message{
		MessageID: ulid.Make().String(),
		Sender:    announceSender,
		Content:   content,
		Timestamp: nowMicros(),
	}
	rl.fanout(protocol.Marshal(protocol.NewRelayed(msg)), exceptAgent)
}

// Shutdown drains the relay: stop accepting upgrades, notify and close
// every session, then wait for in-flight appends so no message is lost
// mid-write. The store handle itself is released by the caller.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.draining.Store(true)

	frame := protocol.Marshal(protocol.NewError(
		protocol.CodeShuttingDown, "server is shutting down", false, nowMicros()))

	for _, s := range rl.registry.All() {
		s.Notify(frame)
		if rl.registry.Unregister(ctx, s, nowMicros()) {
			metrics.DisconnectsTotal.WithLabelValues("shutdown").Inc()
		}
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		rl.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
