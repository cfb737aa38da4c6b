package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds a single socket write so one stuck peer cannot wedge
// its writer pump forever.
const writeWait = 10 * time.Second

// Session is the live binding between an agent identity and an open
// websocket connection. It exists only in memory and only while the
// Registry holds it.
type Session struct {
	AgentID string
	ID      string // session identifier, derived from the agent id
	ConnID  string // per-connection id for log correlation

	conn *websocket.Conn
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
}

func newSession(agentID string, conn *websocket.Conn, buffer int) *Session {
	return &Session{
		AgentID:      agentID,
		ID:           "session-" + agentID,
		ConnID:       uuid.Must(uuid.NewV7()).String(),
		conn:         conn,
		out:          make(chan []byte, buffer),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// Send enqueues a frame on the session's outbound buffer without
// blocking. It returns false when the session is closed or the buffer is
// full; a full buffer is a liveness failure the caller must act on.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// writePump drains the outbound buffer onto the socket. It runs in its
// own goroutine for the lifetime of the session; no other goroutine
// writes to the socket except through write.
func (s *Session) writePump() {
	for {
		select {
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// write performs a single deadline-bounded socket write. The mutex keeps
// the pump and best-effort notification writes from interleaving.
func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Notify attempts a synchronous best-effort delivery of a final frame,
// for supersede and shutdown signals where the session is about to die.
func (s *Session) Notify(frame []byte) {
	if s.conn == nil {
		return
	}
	_ = s.write(frame)
}

// Close tears the session down: Send starts refusing frames, the pump
// exits, the socket closes. Safe to call from any goroutine, any number
// of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Touch records activity for heartbeat supervision.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last frame seen on this session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
