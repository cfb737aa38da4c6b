package protocol

import (
	"encoding/json"

	"github.com/relayd-protocol/relayd/internal/models"
)

// Welcome is the reply to a successful HELLO.
type Welcome struct {
	Envelope
	SessionID          string          `json:"session_id"`
	ServerCapabilities map[string]bool `json:"server_capabilities"`
	HeartbeatInterval  int             `json:"heartbeat_interval"` // seconds
	ConnectedAgents    int             `json:"connected_agents"`
}

// Ack confirms a MESSAGE was persisted (or already was). Timestamp is
// the stored row's timestamp, identical across duplicate submissions.
type Ack struct {
	Envelope
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a PING.
type Pong struct {
	Envelope
	Timestamp int64 `json:"timestamp"`
}

// Relayed is a MESSAGE fanned out to a recipient, carrying the stored
// timestamp rather than whatever the sender supplied.
type Relayed struct {
	Envelope
	models.Message
}

// HistoryResponse carries an ordered slice of stored messages. Truncated
// is set when the server-side result cap cut the slice short.
type HistoryResponse struct {
	Envelope
	Messages  []models.Message `json:"messages"`
	Count     int              `json:"count"`
	Truncated bool             `json:"truncated"`
	Timestamp int64            `json:"timestamp"`
}

// ErrorFrame reports a protocol or server-side failure. Recoverable is
// false exactly when the server closes the connection afterwards.
type ErrorFrame struct {
	Envelope
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Recoverable  bool   `json:"recoverable"`
	Timestamp    int64  `json:"timestamp"`
}

func envelope(messageType string) Envelope {
	return Envelope{ProtocolVersion: Version, MessageType: messageType}
}

// NewWelcome builds the WELCOME reply. The capability set is fixed: this
// server always relays, persists and serves history.
func NewWelcome(sessionID string, heartbeatInterval, connectedAgents int) Welcome {
	return Welcome{
		Envelope:  envelope(TypeWelcome),
		SessionID: sessionID,
		ServerCapabilities: map[string]bool{
			"relay":         true,
			"persistence":   true,
			"history":       true,
			"message_queue": true,
		},
		HeartbeatInterval: heartbeatInterval,
		ConnectedAgents:   connectedAgents,
	}
}

// NewAck builds the ACK reply for a persisted message id.
func NewAck(messageID string, timestamp int64) Ack {
	return Ack{Envelope: envelope(TypeAck), MessageID: messageID, Timestamp: timestamp}
}

// NewPong builds the PONG reply.
func NewPong(timestamp int64) Pong {
	return Pong{Envelope: envelope(TypePong), Timestamp: timestamp}
}

// NewRelayed wraps a stored message for fan-out.
func NewRelayed(msg models.Message) Relayed {
	return Relayed{Envelope: envelope(TypeMessage), Message: msg}
}

// NewHistoryResponse builds a HISTORY_RESPONSE for an ordered slice.
func NewHistoryResponse(messages []models.Message, truncated bool, timestamp int64) HistoryResponse {
	if messages == nil {
		messages = []models.Message{}
	}
	return HistoryResponse{
		Envelope:  envelope(TypeHistoryResponse),
		Messages:  messages,
		Count:     len(messages),
		Truncated: truncated,
		Timestamp: timestamp,
	}
}

// NewError builds an ERROR frame.
func NewError(code, message string, recoverable bool, timestamp int64) ErrorFrame {
	return ErrorFrame{
		Envelope:     envelope(TypeError),
		ErrorCode:    code,
		ErrorMessage: message,
		Recoverable:  recoverable,
		Timestamp:    timestamp,
	}
}

// Marshal serializes a server frame. Frames are plain structs; a marshal
// failure would be a programming error, so the result is always valid
// JSON or a panic in tests.
func Marshal(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	return data
}
