package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relayd-protocol/relayd/internal/metrics"
	"github.com/relayd-protocol/relayd/internal/models"
	"github.com/relayd-protocol/relayd/internal/protocol"
)

// handleConn runs one connection through its states: first frame must be
// a valid HELLO inside the handshake window, then the session is
// registered and served until the socket dies, the client says GOODBYE,
// or the relay evicts it.
func (rl *Relay) handleConn(conn *websocket.Conn) {
	logger := rl.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	_ = conn.SetReadDeadline(time.Now().Add(rl.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		// Half-open client never sent HELLO.
		_ = conn.Close()
		return
	}

	frame, viol := protocol.Decode(data)
	if viol != nil {
		rl.rejectHandshake(conn, viol.Code, viol.Message, logger)
		return
	}
	hello, ok := frame.(protocol.Hello)
	if !ok {
		rl.rejectHandshake(conn, protocol.CodeInvalidHandshake, "first frame must be HELLO", logger)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// The previous presence row decides the replay cursor; read it
	// before registration overwrites it.
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	prevPresence, err := rl.store.Presence(ctx, hello.Sender)
	cancel()
	if err != nil {
		rl.rejectHandshake(conn, protocol.CodeStorageFailure, "presence lookup failed", logger)
		return
	}

	s := newSession(hello.Sender, conn, rl.cfg.OutboundBuffer)
	go s.writePump()

	ctx, cancel = context.WithTimeout(context.Background(), storeTimeout)
	prev, online, err := rl.registry.Register(ctx, s)
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("agent", hello.Sender).Msg("presence write failed on register")
		s.Notify(protocol.Marshal(protocol.NewError(
			protocol.CodeStorageFailure, "registration failed", false, nowMicros())))
		s.Close()
		return
	}

	if prev != nil {
		prev.Notify(protocol.Marshal(protocol.NewError(
			protocol.CodeSuperseded, "superseded by new connection", false, nowMicros())))
		prev.Close()
		metrics.DisconnectsTotal.WithLabelValues("superseded").Inc()
	}

	logger = logger.With().Str("agent", s.AgentID).Str("conn_id", s.ConnID).Logger()
	metrics.ConnectsTotal.Inc()
	logger.Info().Int("online", online).Msg("agent connected")

	s.Send(protocol.Marshal(protocol.NewWelcome(
		s.ID, int(rl.cfg.HeartbeatInterval/time.Second), online)))

	rl.replay(s, hello, prevPresence, logger)

	if rl.cfg.AnnouncePresence {
		rl.announce(s.AgentID, fmt.Sprintf("%s joined (%d online)", s.AgentID, online))
	}

	reason := rl.readLoop(s, logger)

	ctx, cancel = context.WithTimeout(context.Background(), storeTimeout)
	current := rl.registry.Unregister(ctx, s, nowMicros())
	cancel()
	if current {
		metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	}
	s.Close()

	// A superseded session announces nothing: the agent is still online
	// through its replacement.
	if current && rl.cfg.AnnouncePresence && !rl.draining.Load() {
		rl.announce(s.AgentID, fmt.Sprintf("%s left (%d online)", s.AgentID, rl.registry.OnlineCount()))
	}
	logger.Info().Str("reason", reason).Msg("agent disconnected")
}

// rejectHandshake replies with a fatal ERROR frame and closes the raw
// connection. No session ever existed, so there is nothing to
// unregister.
func (rl *Relay) rejectHandshake(conn *websocket.Conn, code, message string, logger zerolog.Logger) {
	metrics.ProtocolErrors.WithLabelValues(code).Inc()
	metrics.DisconnectsTotal.WithLabelValues("handshake").Inc()
	logger.Warn().Str("code", code).Str("detail", message).Msg("handshake rejected")

	frame := protocol.Marshal(protocol.NewError(code, message, false, nowMicros()))
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	_ = conn.Close()
}

// readLoop services an ACTIVE session until it ends, returning the
// teardown reason for logs and metrics.
func (rl *Relay) readLoop(s *Session, logger zerolog.Logger) string {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.Closed() {
				return "evicted"
			}
			return "client"
		}
		s.Touch()

		frame, viol := protocol.Decode(data)
		if viol != nil {
			// Malformed or unknown frames are non-fatal once the
			// handshake is done.
			rl.sendError(s, viol.Code, viol.Message, true)
			continue
		}
		metrics.FramesReceived.WithLabelValues(frameType(frame)).Inc()

		switch f := frame.(type) {
		case protocol.Hello:
			rl.sendError(s, protocol.CodeInvalidHandshake, "handshake already complete", true)
		case protocol.Publish:
			rl.handlePublish(s, f, logger)
		case protocol.Ping:
			s.Send(protocol.Marshal(protocol.NewPong(nowMicros())))
		case protocol.RequestHistory:
			rl.handleHistory(s, f, logger)
		case protocol.Goodbye:
			logger.Info().Msg("goodbye received")
			return "goodbye"
		}
	}
}

// handlePublish appends an inbound message and fans it out. Duplicates
// still get an ACK carrying the original timestamp but are not relayed
// again; a failed append withholds the ACK so the client can retry.
func (rl *Relay) handlePublish(s *Session, f protocol.Publish, logger zerolog.Logger) {
	msg := &models.Message{
		MessageID: f.MessageID,
		Sender:    f.Sender,
		Content:   f.Content,
	}

	rl.inflight.Add(1)
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	res, err := rl.store.AppendMessage(ctx, msg)
	cancel()
	rl.inflight.Done()
	metrics.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error().Err(err).Str("message_id", f.MessageID).Msg("append failed")
		rl.sendError(s, protocol.CodeStorageFailure, "message not persisted, retry", true)
		return
	}

	s.Send(protocol.Marshal(protocol.NewAck(f.MessageID, res.Timestamp)))

	if !res.Appended {
		metrics.MessagesDuplicate.Inc()
		return
	}
	metrics.MessagesPersisted.Inc()

	msg.Timestamp = res.Timestamp
	rl.fanout(protocol.Marshal(protocol.NewRelayed(*msg)), s.AgentID)
}

// handleHistory answers REQUEST_HISTORY with everything after the given
// timestamp, capped at the configured limit.
func (rl *Relay) handleHistory(s *Session, f protocol.RequestHistory, logger zerolog.Logger) {
	var since int64
	if f.SinceTimestamp != nil {
		since = *f.SinceTimestamp
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	messages, truncated, err := rl.store.MessagesSince(ctx, since, rl.cfg.HistoryLimit)
	cancel()
	metrics.StoreLatency.WithLabelValues("query").Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error().Err(err).Msg("history query failed")
		rl.sendError(s, protocol.CodeStorageFailure, "history unavailable", true)
		return
	}

	s.Send(protocol.Marshal(protocol.NewHistoryResponse(messages, truncated, nowMicros())))
}

// replay delivers messages the agent missed while offline, before any
// live traffic is accepted from it. The cursor is the HELLO's explicit
// since_timestamp when present, otherwise the previous presence row's
// last seen time. A first-time agent has no cursor and gets no replay.
func (rl *Relay) replay(s *Session, hello protocol.Hello, prev *models.Presence, logger zerolog.Logger) {
	var since int64
	switch {
	case hello.SinceTimestamp != nil:
		since = *hello.SinceTimestamp
	case prev != nil:
		since = prev.LastSeen
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	messages, truncated, err := rl.store.MessagesSince(ctx, since, rl.cfg.HistoryLimit)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("offline replay failed")
		rl.sendError(s, protocol.CodeStorageFailure, "replay unavailable", true)
		return
	}
	if len(messages) == 0 {
		return
	}

	s.Send(protocol.Marshal(protocol.NewHistoryResponse(messages, truncated, nowMicros())))
	metrics.ReplayMessages.Add(float64(len(messages)))
	logger.Info().Int("count", len(messages)).Int64("since", since).Msg("replayed missed messages")
}

// sendError replies with a non-fatal ERROR frame on an open session.
func (rl *Relay) sendError(s *Session, code, message string, recoverable bool) {
	metrics.ProtocolErrors.WithLabelValues(code).Inc()
	s.Send(protocol.Marshal(protocol.NewError(code, message, recoverable, nowMicros())))
}

func frameType(f protocol.ClientFrame) string {
	switch f.(type) {
	case protocol.Hello:
		return protocol.TypeHello
	case protocol.Publish:
		return protocol.TypeMessage
	case protocol.Ping:
		return protocol.TypePing
	case protocol.RequestHistory:
		return protocol.TypeRequestHistory
	case protocol.Goodbye:
		return protocol.TypeGoodbye
	default:
		return "UNKNOWN"
	}
}
