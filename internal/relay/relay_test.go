package relay_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/relayd-protocol/relayd/internal/api"
	"github.com/relayd-protocol/relayd/internal/config"
	"github.com/relayd-protocol/relayd/internal/models"
	"github.com/relayd-protocol/relayd/internal/protocol"
	"github.com/relayd-protocol/relayd/internal/relay"
	"github.com/relayd-protocol/relayd/internal/store"
)

// frame is a loose superset of every server frame, for assertions.
type frame struct {
	ProtocolVersion    string           `json:"protocol_version"`
	MessageType        string           `json:"message_type"`
	SessionID          string           `json:"session_id"`
	ServerCapabilities map[string]bool  `json:"server_capabilities"`
	HeartbeatInterval  int              `json:"heartbeat_interval"`
	ConnectedAgents    int              `json:"connected_agents"`
	MessageID          string           `json:"message_id"`
	Sender             string           `json:"sender"`
	Content            string           `json:"content"`
	Timestamp          int64            `json:"timestamp"`
	Messages           []models.Message `json:"messages"`
	Count              int              `json:"count"`
	Truncated          bool             `json:"truncated"`
	ErrorCode          string           `json:"error_code"`
	ErrorMessage       string           `json:"error_message"`
	Recoverable        *bool            `json:"recoverable"`
}

type testServer struct {
	t     *testing.T
	url   string
	store store.Store
	relay *relay.Relay
	srv   *httptest.Server
}

func startRelay(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		Env:               "test",
		HeartbeatInterval: time.Hour, // sweeps run only when a test starts them
		MissedThreshold:   2,
		HandshakeTimeout:  2 * time.Second,
		HistoryLimit:      1000,
		OutboundBuffer:    16,
	}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relayd.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	registry, err := relay.NewRegistry(context.Background(), st, zerolog.Nop())
	require.NoError(t, err)
	rl := relay.New(cfg, st, registry, zerolog.Nop())

	srv := httptest.NewServer(api.NewRouter(zerolog.Nop(), st, nil, rl))
	t.Cleanup(srv.Close)

	return &testServer{
		t:     t,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		store: st,
		relay: rl,
		srv:   srv,
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) dial() *client {
	ts.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(ts.t, err)
	c := &client{t: ts.t, conn: conn}
	ts.t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) send(v map[string]any) {
	c.t.Helper()
	if _, ok := v["protocol_version"]; !ok {
		v["protocol_version"] = protocol.Version
	}
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *client) read(timeout time.Duration) frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var f frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

// expectClosed asserts the server hangs up within the timeout. The
// connection is unusable afterwards.
func (c *client) expectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("expected close, got frame: %s", data)
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		c.t.Fatalf("expected close, connection still open after %v", timeout)
	}
}

// expectSilence asserts no frame arrives within d. Gorilla treats a read
// timeout as fatal, so this must be the last read on the connection.
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("unexpected frame: %s", data)
	}
	nerr, ok := err.(net.Error)
	if !ok || !nerr.Timeout() {
		c.t.Fatalf("connection failed while expecting silence: %v", err)
	}
}

// hello performs the handshake and returns the WELCOME.
func (c *client) hello(sender string) frame {
	c.t.Helper()
	c.send(map[string]any{"message_type": protocol.TypeHello, "sender": sender})
	f := c.read(2 * time.Second)
	require.Equal(c.t, protocol.TypeWelcome, f.MessageType)
	return f
}

func (ts *testServer) waitOffline(agent string) {
	ts.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p, err := ts.store.Presence(context.Background(), agent)
		require.NoError(ts.t, err)
		if p != nil && p.Status == models.StatusOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	ts.t.Fatalf("agent %s never went offline", agent)
}

func TestHandshakeWelcome(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	a := ts.dial()
	w := a.hello("agent-a")

	req.Equal("session-agent-a", w.SessionID)
	req.Equal(1, w.ConnectedAgents)
	req.Equal(3600, w.HeartbeatInterval)
	req.True(w.ServerCapabilities["relay"])
	req.True(w.ServerCapabilities["persistence"])
	req.True(w.ServerCapabilities["history"])
}

func TestHandshakeRejectsNonHello(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.send(map[string]any{"message_type": protocol.TypePing})

	f := c.read(2 * time.Second)
	req.Equal(protocol.TypeError, f.MessageType)
	req.Equal(protocol.CodeInvalidHandshake, f.ErrorCode)
	req.NotNil(f.Recoverable)
	req.False(*f.Recoverable)
	c.expectClosed(2 * time.Second)
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.send(map[string]any{
		"protocol_version": "0.2",
		"message_type":     protocol.TypeHello,
		"sender":           "agent-a",
	})

	f := c.read(2 * time.Second)
	req.Equal(protocol.CodeUnsupportedVersion, f.ErrorCode)
	c.expectClosed(2 * time.Second)
}

func TestHandshakeRejectsMissingSender(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.send(map[string]any{"message_type": protocol.TypeHello})

	f := c.read(2 * time.Second)
	req.Equal(protocol.CodeMissingField, f.ErrorCode)
	c.expectClosed(2 * time.Second)
}

// TestRelayScenario walks the full exchange: connect, relay, disconnect,
// missed message, reconnect with replay.
func TestRelayScenario(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	a := ts.dial()
	wa := a.hello("a")
	req.Equal(1, wa.ConnectedAgents)

	b := ts.dial()
	wb := b.hello("b")
	req.Equal(2, wb.ConnectedAgents)

	// B publishes m1: B gets the ACK, A gets the relayed copy — and
	// nothing before it, which proves B's arrival produced no
	// unsolicited frame on A's connection.
	b.send(map[string]any{
		"message_type": protocol.TypeMessage,
		"message_id":   "m1",
		"sender":       "b",
		"content":      "hi",
	})
	ack := b.read(2 * time.Second)
	req.Equal(protocol.TypeAck, ack.MessageType)
	req.Equal("m1", ack.MessageID)
	req.Positive(ack.Timestamp)

	relayed := a.read(2 * time.Second)
	req.Equal(protocol.TypeMessage, relayed.MessageType)
	req.Equal("m1", relayed.MessageID)
	req.Equal("b", relayed.Sender)
	req.Equal("hi", relayed.Content)
	req.Equal(ack.Timestamp, relayed.Timestamp)

	// A drops off; the server must notice before B publishes m2, so m2
	// lands after A's recorded last seen time.
	req.NoError(a.conn.Close())
	ts.waitOffline("a")

	b.send(map[string]any{
		"message_type": protocol.TypeMessage,
		"message_id":   "m2",
		"sender":       "b",
		"content":      "are you there?",
	})
	ack = b.read(2 * time.Second)
	req.Equal("m2", ack.MessageID)

	// A reconnects and is replayed exactly what it missed: m2, not m1.
	a2 := ts.dial()
	wa2 := a2.hello("a")
	req.Equal(2, wa2.ConnectedAgents)

	replay := a2.read(2 * time.Second)
	req.Equal(protocol.TypeHistoryResponse, replay.MessageType)
	req.Equal(1, replay.Count)
	req.False(replay.Truncated)
	req.Equal("m2", replay.Messages[0].MessageID)

	a2.expectSilence(200 * time.Millisecond)
}

func TestDuplicateMessageIdempotentAck(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	sender := ts.dial()
	sender.hello("sender")
	rcpt := ts.dial()
	rcpt.hello("rcpt")

	publish := func(id, content string) frame {
		sender.send(map[string]any{
			"message_type": protocol.TypeMessage,
			"message_id":   id,
			"sender":       "sender",
			"content":      content,
		})
		return sender.read(2 * time.Second)
	}

	ack1 := publish("m1", "first")
	ack2 := publish("m1", "first retry")
	req.Equal(protocol.TypeAck, ack2.MessageType)
	req.Equal(ack1.Timestamp, ack2.Timestamp, "duplicate ACK must carry the original timestamp")

	ack3 := publish("m2", "second")
	req.Greater(ack3.Timestamp, ack1.Timestamp)

	// Per-sender ordering: if the duplicate had been fanned out, the
	// recipient would see m1 twice before m2.
	f := rcpt.read(2 * time.Second)
	req.Equal("m1", f.MessageID)
	req.Equal("first", f.Content)
	f = rcpt.read(2 * time.Second)
	req.Equal("m2", f.MessageID)
}

func TestPingPong(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.hello("agent-a")

	c.send(map[string]any{"message_type": protocol.TypePing})
	f := c.read(2 * time.Second)
	req.Equal(protocol.TypePong, f.MessageType)
	req.Positive(f.Timestamp)
}

func TestRequestHistory(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.hello("agent-a")

	var firstTS int64
	for _, id := range []string{"m1", "m2"} {
		c.send(map[string]any{
			"message_type": protocol.TypeMessage,
			"message_id":   id,
			"sender":       "agent-a",
			"content":      id,
		})
		ack := c.read(2 * time.Second)
		if id == "m1" {
			firstTS = ack.Timestamp
		}
	}

	// No since_timestamp: everything from the beginning of time.
	c.send(map[string]any{"message_type": protocol.TypeRequestHistory})
	f := c.read(2 * time.Second)
	req.Equal(protocol.TypeHistoryResponse, f.MessageType)
	req.Equal(2, f.Count)
	req.Equal("m1", f.Messages[0].MessageID)
	req.Equal("m2", f.Messages[1].MessageID)

	// Strictly after m1.
	c.send(map[string]any{
		"message_type":    protocol.TypeRequestHistory,
		"since_timestamp": firstTS,
	})
	f = c.read(2 * time.Second)
	req.Equal(1, f.Count)
	req.Equal("m2", f.Messages[0].MessageID)
}

func TestUnknownTypeIsNonFatal(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.hello("agent-a")

	c.send(map[string]any{"message_type": "TELEPORT"})
	f := c.read(2 * time.Second)
	req.Equal(protocol.TypeError, f.MessageType)
	req.Equal(protocol.CodeUnknownType, f.ErrorCode)
	req.NotNil(f.Recoverable)
	req.True(*f.Recoverable)

	// Connection survives.
	c.send(map[string]any{"message_type": protocol.TypePing})
	req.Equal(protocol.TypePong, c.read(2*time.Second).MessageType)
}

func TestMalformedJSONIsNonFatal(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.hello("agent-a")

	c.sendRaw(`{oops`)
	f := c.read(2 * time.Second)
	req.Equal(protocol.CodeInvalidJSON, f.ErrorCode)

	c.send(map[string]any{"message_type": protocol.TypePing})
	req.Equal(protocol.TypePong, c.read(2*time.Second).MessageType)
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	first := ts.dial()
	first.hello("agent-a")

	second := ts.dial()
	w := second.hello("agent-a")
	req.Equal(1, w.ConnectedAgents, "superseding must not double-count the agent")

	f := first.read(2 * time.Second)
	req.Equal(protocol.TypeError, f.MessageType)
	req.Equal(protocol.CodeSuperseded, f.ErrorCode)
	first.expectClosed(2 * time.Second)

	req.Equal(1, ts.relay.Registry().OnlineCount())

	// The survivor still works.
	second.send(map[string]any{"message_type": protocol.TypePing})
	req.Equal(protocol.TypePong, second.read(2*time.Second).MessageType)
}

func TestOfflineReplayExplicitSince(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	b := ts.dial()
	b.hello("b")
	var timestamps []int64
	for _, id := range []string{"m1", "m2", "m3"} {
		b.send(map[string]any{
			"message_type": protocol.TypeMessage,
			"message_id":   id,
			"sender":       "b",
			"content":      id,
		})
		timestamps = append(timestamps, b.read(2*time.Second).Timestamp)
	}

	// A has never connected; its HELLO cursor decides the replay.
	a := ts.dial()
	a.send(map[string]any{
		"message_type":    protocol.TypeHello,
		"sender":          "a",
		"since_timestamp": timestamps[0],
	})
	w := a.read(2 * time.Second)
	req.Equal(protocol.TypeWelcome, w.MessageType)

	replay := a.read(2 * time.Second)
	req.Equal(protocol.TypeHistoryResponse, replay.MessageType)
	req.Equal(2, replay.Count)
	req.Equal("m2", replay.Messages[0].MessageID)
	req.Equal("m3", replay.Messages[1].MessageID)
}

func TestFirstContactGetsNoReplay(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	b := ts.dial()
	b.hello("b")
	b.send(map[string]any{
		"message_type": protocol.TypeMessage,
		"message_id":   "m1",
		"sender":       "b",
		"content":      "old news",
	})
	req.Equal(protocol.TypeAck, b.read(2*time.Second).MessageType)

	// A fresh agent with no cursor is not flooded with history.
	a := ts.dial()
	a.hello("a")
	a.expectSilence(200 * time.Millisecond)
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	ts := startRelay(t, func(cfg *config.Config) {
		cfg.HandshakeTimeout = 200 * time.Millisecond
	})

	c := ts.dial()
	// Never send HELLO; the server must hang up on its own well before
	// our read deadline.
	c.expectClosed(2 * time.Second)
}

func TestSupersededSessionDoesNotAnnounceLeave(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, func(cfg *config.Config) {
		cfg.AnnouncePresence = true
	})

	obs := ts.dial()
	obs.hello("observer")

	first := ts.dial()
	first.hello("agent-a")
	join := obs.read(2 * time.Second)
	req.Equal("relay_server", join.Sender)
	req.Equal("agent-a joined (2 online)", join.Content)

	second := ts.dial()
	second.hello("agent-a")
	join = obs.read(2 * time.Second)
	req.Equal("agent-a joined (2 online)", join.Content)

	f := first.read(2 * time.Second)
	req.Equal(protocol.CodeSuperseded, f.ErrorCode)
	first.expectClosed(2 * time.Second)

	// Give the replaced connection's teardown time to run; it must not
	// announce a leave for an agent still online through its replacement.
	time.Sleep(100 * time.Millisecond)

	second.send(map[string]any{
		"message_type": protocol.TypeMessage,
		"message_id":   "m1",
		"sender":       "agent-a",
		"content":      "still here",
	})

	f = obs.read(2 * time.Second)
	req.Equal(protocol.TypeMessage, f.MessageType)
	req.Equal("m1", f.MessageID)
	req.Equal("agent-a", f.Sender)
}

func TestGoodbyeClosesCleanly(t *testing.T) {
	ts := startRelay(t, nil)

	c := ts.dial()
	c.hello("agent-a")
	c.send(map[string]any{"message_type": protocol.TypeGoodbye})

	c.expectClosed(2 * time.Second)
	ts.waitOffline("agent-a")
}

func TestHeartbeatEvictsSilentSession(t *testing.T) {
	ts := startRelay(t, func(cfg *config.Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.MissedThreshold = 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.relay.RunHeartbeat(ctx)

	c := ts.dial()
	c.hello("agent-a")

	// Send nothing; the sweep must force-close within a few periods.
	c.expectClosed(3 * time.Second)
	ts.waitOffline("agent-a")
	require.Equal(t, 0, ts.relay.Registry().OnlineCount())
}

func TestHeartbeatSparesActiveSession(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, func(cfg *config.Config) {
		cfg.HeartbeatInterval = 100 * time.Millisecond
		cfg.MissedThreshold = 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.relay.RunHeartbeat(ctx)

	c := ts.dial()
	c.hello("agent-a")

	// Pinging inside every window keeps the session alive well past the
	// eviction cutoff.
	for i := 0; i < 10; i++ {
		c.send(map[string]any{"message_type": protocol.TypePing})
		req.Equal(protocol.TypePong, c.read(2*time.Second).MessageType)
		time.Sleep(60 * time.Millisecond)
	}
	req.Equal(1, ts.relay.Registry().OnlineCount())
}

func TestShutdownDrains(t *testing.T) {
	req := require.New(t)
	ts := startRelay(t, nil)

	c := ts.dial()
	c.hello("agent-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(ts.relay.Shutdown(ctx))

	// Best-effort notification, then close. Either the ERROR frame or
	// an immediate close is acceptable; what is not is a hang.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		var f frame
		req.NoError(json.Unmarshal(data, &f))
		req.Equal(protocol.CodeShuttingDown, f.ErrorCode)
	}

	req.Equal(0, ts.relay.Registry().OnlineCount())

	// New upgrades are refused while draining.
	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	req.Error(err)
	req.NotNil(resp)
	req.Equal(503, resp.StatusCode)
}
