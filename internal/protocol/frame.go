// Package protocol defines the relay wire format: JSON frames over a
// websocket connection. The frame set is closed; anything outside it is
// rejected at decode time rather than deeper in the relay.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version this server speaks. Frames carrying any
// other version are rejected.
const Version = "0.3"

// Frame types. HELLO, MESSAGE, PING, REQUEST_HISTORY and GOODBYE arrive
// from clients; the rest are server-originated.
const (
	TypeHello           = "HELLO"
	TypeWelcome         = "WELCOME"
	TypeMessage         = "MESSAGE"
	TypeAck             = "ACK"
	TypePing            = "PING"
	TypePong            = "PONG"
	TypeRequestHistory  = "REQUEST_HISTORY"
	TypeHistoryResponse = "HISTORY_RESPONSE"
	TypeError           = "ERROR"
	TypeGoodbye         = "GOODBYE"
)

// Error codes carried by ERROR frames.
const (
	CodeInvalidHandshake   = "INVALID_HANDSHAKE"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeMissingField       = "MISSING_FIELD"
	CodeStorageFailure     = "STORAGE_FAILURE"
	CodeShuttingDown       = "SHUTTING_DOWN"
	CodeSuperseded         = "SUPERSEDED"
)

// Envelope carries the fields every frame must have.
type Envelope struct {
	ProtocolVersion string `json:"protocol_version"`
	MessageType     string `json:"message_type"`
}

// Violation describes a protocol error detected while decoding or
// validating a client frame. Whether it is fatal depends on the
// connection state: handshake-phase violations close the connection,
// later ones only produce an ERROR reply.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// ClientFrame is implemented by every frame a client may send.
type ClientFrame interface {
	clientFrame()
}

// Hello is the mandatory first frame on a connection.
type Hello struct {
	Envelope
	Sender       string          `json:"sender"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	// SinceTimestamp, when set, overrides the presence-derived replay
	// cursor for offline delivery.
	SinceTimestamp *int64 `json:"since_timestamp,omitempty"`
}

// Publish is an inbound MESSAGE frame. The client timestamp is accepted
// on the wire but the store assigns the authoritative one.
type Publish struct {
	Envelope
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Ping is a liveness probe.
type Ping struct {
	Envelope
}

// RequestHistory asks for all stored messages after SinceTimestamp.
// A nil SinceTimestamp means from the beginning of time.
type RequestHistory struct {
	Envelope
	SinceTimestamp *int64 `json:"since_timestamp,omitempty"`
}

// Goodbye announces a clean disconnect.
type Goodbye struct {
	Envelope
}

func (Hello) clientFrame()          {}
func (Publish) clientFrame()        {}
func (Ping) clientFrame()           {}
func (RequestHistory) clientFrame() {}
func (Goodbye) clientFrame()        {}

// Decode parses and validates a raw client frame. It returns exactly one
// of the ClientFrame variants or a Violation; it never invents a frame
// type outside the closed set.
func Decode(data []byte) (ClientFrame, *Violation) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Violation{Code: CodeInvalidJSON, Message: err.Error()}
	}
	if env.ProtocolVersion != Version {
		return nil, &Violation{
			Code:    CodeUnsupportedVersion,
			Message: fmt.Sprintf("protocol_version %q, server speaks %q", env.ProtocolVersion, Version),
		}
	}

	switch env.MessageType {
	case TypeHello:
		var f Hello
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &Violation{Code: CodeInvalidJSON, Message: err.Error()}
		}
		if f.Sender == "" {
			return nil, &Violation{Code: CodeMissingField, Message: "HELLO requires sender"}
		}
		return f, nil
	case TypeMessage:
		var f Publish
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &Violation{Code: CodeInvalidJSON, Message: err.Error()}
		}
		if f.MessageID == "" {
			return nil, &Violation{Code: CodeMissingField, Message: "MESSAGE requires message_id"}
		}
		if f.Sender == "" {
			return nil, &Violation{Code: CodeMissingField, Message: "MESSAGE requires sender"}
		}
		return f, nil
	case TypePing:
		return Ping{Envelope: env}, nil
	case TypeRequestHistory:
		var f RequestHistory
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &Violation{Code: CodeInvalidJSON, Message: err.Error()}
		}
		return f, nil
	case TypeGoodbye:
		return Goodbye{Envelope: env}, nil
	default:
		return nil, &Violation{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("unrecognized message_type %q", env.MessageType),
		}
	}
}
