package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of event types carried by envelopes. Consumers
// dispatch on it with a single exhaustive switch; unknown kinds fail parsing
// instead of being silently routed through a string-keyed handler map.
type EventKind string

const (
	EventTaskCreated EventKind = "task:created"
	EventTaskUpdated EventKind = "task:updated"
	EventTaskDeleted EventKind = "task:deleted"
	EventTagCreated  EventKind = "tag:created"
	EventTagUpdated  EventKind = "tag:updated"
	EventTagDeleted  EventKind = "tag:deleted"
	EventBulkUpdate  EventKind = "bulk:update"
	EventBulkDelete  EventKind = "bulk:delete"

	EventPresenceJoined       EventKind = "presence:user_joined"
	EventPresenceLeft         EventKind = "presence:user_left"
	EventPresenceUpdated      EventKind = "presence:user_updated"
	EventPresenceInitialState EventKind = "presence:initial_state"
	EventPresenceSync         EventKind = "presence:sync"
	EventPresenceHeartbeat    EventKind = "presence:heartbeat"

	EventSubscriptionConfirmed EventKind = "subscription:confirmed"
	EventSubscriptionError     EventKind = "subscription:error"

	EventRoomData         EventKind = "room:data"
	EventRoomMemberJoined EventKind = "room:member_joined"
	EventRoomMemberLeft   EventKind = "room:member_left"

	EventConnected    EventKind = "connection:established"
	EventRateLimited  EventKind = "connection:rate_limited"
	EventDisconnected EventKind = "connection:closed"
)

var errUnknownEventKind = errors.New("realtime: unknown event kind")

// ParseEventKind validates a raw kind tag received off the wire.
func ParseEventKind(value string) (EventKind, error) {
	switch kind := EventKind(value); kind {
	case EventTaskCreated, EventTaskUpdated, EventTaskDeleted,
		EventTagCreated, EventTagUpdated, EventTagDeleted,
		EventBulkUpdate, EventBulkDelete,
		EventPresenceJoined, EventPresenceLeft, EventPresenceUpdated,
		EventPresenceInitialState, EventPresenceSync, EventPresenceHeartbeat,
		EventSubscriptionConfirmed, EventSubscriptionError,
		EventRoomData, EventRoomMemberJoined, EventRoomMemberLeft,
		EventConnected, EventRateLimited, EventDisconnected:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownEventKind, value)
	}
}

// IsPresence reports whether the kind belongs to the presence family.
func (k EventKind) IsPresence() bool {
	switch k {
	case EventPresenceJoined, EventPresenceLeft, EventPresenceUpdated,
		EventPresenceInitialState, EventPresenceSync, EventPresenceHeartbeat:
		return true
	default:
		return false
	}
}

// Envelope is the immutable wrapper around a broadcast event. It is built
// once by NewEnvelope and consumed read-only by every matching subscription.
type Envelope struct {
	ID           string          `json:"id"`
	Kind         EventKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginUserID string          `json:"origin_user_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EnvelopeFactory stamps envelopes with ids and timestamps. The clock and id
// source are injectable for tests.
type EnvelopeFactory struct {
	clock func() time.Time
	newID func() (string, error)
}

// EnvelopeFactoryConfig configures envelope construction.
type EnvelopeFactoryConfig struct {
	Clock func() time.Time
	NewID func() (string, error)
}

// NewEnvelopeFactory constructs a factory with UUIDv7 ids by default.
func NewEnvelopeFactory(cfg EnvelopeFactoryConfig) *EnvelopeFactory {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	return &EnvelopeFactory{clock: clock, newID: newID}
}

// NewEnvelope builds an immutable envelope around the marshalled payload.
func (f *EnvelopeFactory) NewEnvelope(kind EventKind, payload any, originUserID string) (Envelope, error) {
	if _, err := ParseEventKind(string(kind)); err != nil {
		return Envelope{}, err
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("realtime: encode %s payload: %w", kind, err)
		}
		raw = encoded
	}
	id, err := f.newID()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:           id,
		Kind:         kind,
		Payload:      raw,
		OriginUserID: originUserID,
		Timestamp:    f.clock().UTC(),
	}, nil
}

// DecodeEnvelope parses a wire frame into an Envelope, rejecting unknown kinds.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("realtime: decode envelope: %w", err)
	}
	if _, err := ParseEventKind(string(envelope.Kind)); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}
