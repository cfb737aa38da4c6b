package models

// Message represents a relayed message as persisted in the store.
// Timestamps are unix microseconds assigned by the store on append;
// whatever the client sent in the timestamp field is discarded.
type Message struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
