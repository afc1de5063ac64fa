package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType enumerates the inbound frames a client may send.
type MessageType string

const (
	MessageAuth        MessageType = "auth"
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessageHeartbeat   MessageType = "heartbeat"
	MessageLogout      MessageType = "logout"
)

var errMalformedMessage = errors.New("realtime: malformed client message")

// ClientMessage is the wire frame sent from client to server. Exactly one of
// the optional sections is populated, selected by Type.
type ClientMessage struct {
	Type      MessageType       `json:"type"`
	Token     string            `json:"token,omitempty"`
	Room      *RoomKey          `json:"room,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
}

// HeartbeatPayload is emitted by the presence tracker on every update
// interval, whether or not the local state changed.
type HeartbeatPayload struct {
	Status       PresenceStatus  `json:"status"`
	LastActivity int64           `json:"last_activity_ms"`
	Visible      bool            `json:"visible"`
	IsActive     bool            `json:"is_active"`
	Context      PresenceContext `json:"context,omitempty"`
}

// DecodeClientMessage parses and validates one inbound frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var message ClientMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	switch message.Type {
	case MessageAuth:
		if strings.TrimSpace(message.Token) == "" {
			return ClientMessage{}, fmt.Errorf("%w: auth frame without token", errMalformedMessage)
		}
	case MessageSubscribe, MessageUnsubscribe:
		if message.Room == nil || !message.Room.Valid() {
			return ClientMessage{}, fmt.Errorf("%w: %s frame without valid room", errMalformedMessage, message.Type)
		}
	case MessageHeartbeat:
		if message.Heartbeat == nil {
			return ClientMessage{}, fmt.Errorf("%w: heartbeat frame without payload", errMalformedMessage)
		}
		if _, err := ParsePresenceStatus(string(message.Heartbeat.Status)); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
		}
	case MessageLogout:
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", errMalformedMessage, message.Type)
	}
	return message, nil
}

// Encode serialises the frame for the transport.
func (m ClientMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// SubscriptionResult is the payload of subscription:confirmed and
// subscription:error envelopes.
type SubscriptionResult struct {
	Room   RoomKey `json:"room"`
	Reason string  `json:"reason,omitempty"`
}

// ConnectedPayload is the payload of the connection:established envelope.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// RateLimitedPayload is the payload of the connection:rate_limited envelope.
type RateLimitedPayload struct {
	Class     string `json:"class"`
	ResetAtMs int64  `json:"reset_at_ms"`
}

// RoomMemberPayload is the payload of room:member_joined and room:member_left.
type RoomMemberPayload struct {
	Room   RoomKey `json:"room"`
	UserID string  `json:"user_id"`
}

// TaskPayload is the domain shape carried by task events. The task service is
// an external collaborator; only the fields the realtime layer routes on are
// typed, the rest travel opaquely in Fields.
type TaskPayload struct {
	TaskID     string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	AssigneeID string         `json:"assignee_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// TagPayload is the domain shape carried by tag events.
type TagPayload struct {
	TagID   string         `json:"id"`
	OwnerID string         `json:"owner_id"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// RoomDataPayload is the payload of room:data envelopes: an arbitrary item
// collection pushed to a room together with the merge strategy consumers
// should reconcile it with.
type RoomDataPayload struct {
	Room       RoomKey          `json:"room"`
	Collection string           `json:"collection"`
	Strategy   string           `json:"strategy"`
	Items      []map[string]any `json:"items"`
}

// BulkPayload carries a multi-item operation as a single envelope so fan-out
// cost stays bounded by the item cap rather than the batch size.
type BulkPayload struct {
	Operation string        `json:"operation"`
	Items     []TaskPayload `json:"items"`
}
