package models

// WebSocket frame type tags. Frames are JSON objects discriminated by a
// "type" field, snake_case, matching the deployed clients.
const (
	WsTypeSubscribe  = "subscribe"
	WsTypeSubscribed = "subscribed"
	WsTypeNewMessage = "new_message"
	WsTypeAck        = "ack"
	WsTypeAcked      = "acked"
	WsTypePing       = "ping"
	WsTypePong       = "pong"
	WsTypeError      = "error"
)

// WsClientFrame is the superset of fields a client may send. Which fields
// are meaningful depends on Type.
type WsClientFrame struct {
	Type       string   `json:"type"`
	KeyHash    string   `json:"key_hash,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Server-to-client frames, one struct per type so that zero values such as
// deleted=0 still serialize.

type WsSubscribedFrame struct {
	Type    string `json:"type"`
	KeyHash string `json:"key_hash"`
}

func NewWsSubscribed(keyHash string) WsSubscribedFrame {
	return WsSubscribedFrame{Type: WsTypeSubscribed, KeyHash: keyHash}
}

type WsNewMessageFrame struct {
	Type     string         `json:"type"`
	Envelope StoredEnvelope `json:"envelope"`
}

func NewWsNewMessage(envelope StoredEnvelope) WsNewMessageFrame {
	return WsNewMessageFrame{Type: WsTypeNewMessage, Envelope: envelope}
}

type WsAckedFrame struct {
	Type    string `json:"type"`
	Deleted int    `json:"deleted"`
}

func NewWsAcked(deleted int) WsAckedFrame {
	return WsAckedFrame{Type: WsTypeAcked, Deleted: deleted}
}

type WsPongFrame struct {
	Type string `json:"type"`
}

func NewWsPong() WsPongFrame {
	return WsPongFrame{Type: WsTypePong}
}

type WsErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewWsError(message string) WsErrorFrame {
	return WsErrorFrame{Type: WsTypeError, Message: message}
}
