package hub

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

const defaultBulkMaxItems = 100

var (
	errMissingHub  = errors.New("hub: broadcaster requires a hub")
	errEmptyTaskID = errors.New("hub: task payload without task id")
)

// Broadcaster is the fan-out entry point for the domain-mutation layer. Each
// inbound mutation is wrapped in a typed envelope and delivered to every
// confirmed subscription of the resolved rooms. Calls return once delivery
// has been scheduled on each connection's queue, not once it completes.
type Broadcaster struct {
	hub          *Hub
	factory      *realtime.EnvelopeFactory
	logger       *zap.Logger
	bulkMaxItems int
	published    atomic.Uint64
}

// BroadcasterConfig configures the fan-out engine.
type BroadcasterConfig struct {
	Hub    *Hub
	Logger *zap.Logger
	Clock  func() time.Time
	// BulkMaxItems caps the item array carried by one bulk envelope;
	// larger batches are split into consecutive envelopes.
	BulkMaxItems int
}

// NewBroadcaster constructs the fan-out engine.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bulkMax := cfg.BulkMaxItems
	if bulkMax <= 0 {
		bulkMax = defaultBulkMaxItems
	}
	return &Broadcaster{
		hub:          cfg.Hub,
		factory:      realtime.NewEnvelopeFactory(realtime.EnvelopeFactoryConfig{Clock: cfg.Clock}),
		logger:       logger,
		bulkMaxItems: bulkMax,
	}, nil
}

// Publish wraps the payload in an envelope and schedules delivery to every
// subscriber of the given rooms.
func (b *Broadcaster) Publish(kind realtime.EventKind, payload any, originUserID string, rooms ...realtime.RoomKey) error {
	envelope, err := b.factory.NewEnvelope(kind, payload, originUserID)
	if err != nil {
		return err
	}
	delivered := 0
	for _, room := range rooms {
		delivered += b.hub.Deliver(room, envelope)
	}
	b.published.Add(1)
	b.logger.Debug("event published",
		zap.String("kind", string(kind)),
		zap.String("event_id", envelope.ID),
		zap.Int("rooms", len(rooms)),
		zap.Int("deliveries", delivered))
	return nil
}

// TaskCreated broadcasts a task creation to the rooms derived from the task's
// ownership context.
func (b *Broadcaster) TaskCreated(task realtime.TaskPayload, userID string) error {
	rooms, err := taskRooms(task)
	if err != nil {
		return err
	}
	return b.Publish(realtime.EventTaskCreated, task, userID, rooms...)
}

// TaskUpdated broadcasts a task mutation. The previous revision travels along
// so clients can diff without a refetch.
func (b *Broadcaster) TaskUpdated(task, previous realtime.TaskPayload, userID string) error {
	rooms, err := taskRooms(task)
	if err != nil {
		return err
	}
	payload := struct {
		realtime.TaskPayload
		Previous *realtime.TaskPayload `json:"previous,omitempty"`
	}{TaskPayload: task}
	if previous.TaskID != "" {
		payload.Previous = &previous
	}
	return b.Publish(realtime.EventTaskUpdated, payload, userID, rooms...)
}

// TaskDeleted broadcasts a task removal.
func (b *Broadcaster) TaskDeleted(task realtime.TaskPayload, userID string) error {
	rooms, err := taskRooms(task)
	if err != nil {
		return err
	}
	return b.Publish(realtime.EventTaskDeleted, task, userID, rooms...)
}

// TagCreated broadcasts a tag creation to the owner's room.
func (b *Broadcaster) TagCreated(tag realtime.TagPayload, userID string) error {
	return b.Publish(realtime.EventTagCreated, tag, userID, tagRooms(tag)...)
}

// TagUpdated broadcasts a tag mutation to the owner's room.
func (b *Broadcaster) TagUpdated(tag realtime.TagPayload, userID string) error {
	return b.Publish(realtime.EventTagUpdated, tag, userID, tagRooms(tag)...)
}

// TagDeleted broadcasts a tag removal to the owner's room.
func (b *Broadcaster) TagDeleted(tag realtime.TagPayload, userID string) error {
	return b.Publish(realtime.EventTagDeleted, tag, userID, tagRooms(tag)...)
}

// BulkOperation broadcasts a multi-item mutation as one envelope per chunk of
// at most BulkMaxItems, so single-envelope delivery cost stays bounded.
func (b *Broadcaster) BulkOperation(operation string, items []realtime.TaskPayload, userID string) error {
	kind := realtime.EventBulkUpdate
	if operation == "delete" {
		kind = realtime.EventBulkDelete
	}
	for start := 0; start < len(items); start += b.bulkMaxItems {
		end := start + b.bulkMaxItems
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]
		rooms := bulkRooms(chunk)
		payload := realtime.BulkPayload{Operation: operation, Items: chunk}
		if err := b.Publish(kind, payload, userID, rooms...); err != nil {
			return err
		}
	}
	return nil
}

// RoomData pushes an arbitrary item collection to one room, tagged with the
// merge strategy subscribers should reconcile it with.
func (b *Broadcaster) RoomData(room realtime.RoomKey, collection, strategy string, items []map[string]any) error {
	payload := realtime.RoomDataPayload{Room: room, Collection: collection, Strategy: strategy, Items: items}
	return b.Publish(realtime.EventRoomData, payload, "", room)
}

// Published returns the envelope count for the status surface.
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// taskRooms resolves a task mutation to its target rooms: the owner's user
// room, the assignee's user room when assigned, the project room when the
// task belongs to one, and the task's own room.
func taskRooms(task realtime.TaskPayload) ([]realtime.RoomKey, error) {
	if task.TaskID == "" {
		return nil, errEmptyTaskID
	}
	rooms := []realtime.RoomKey{realtime.TaskRoom(task.TaskID)}
	if task.OwnerID != "" {
		rooms = append(rooms, realtime.UserRoom(task.OwnerID))
	}
	if task.AssigneeID != "" && task.AssigneeID != task.OwnerID {
		rooms = append(rooms, realtime.UserRoom(task.AssigneeID))
	}
	if task.ProjectID != "" {
		rooms = append(rooms, realtime.ProjectRoom(task.ProjectID))
	}
	return rooms, nil
}

func tagRooms(tag realtime.TagPayload) []realtime.RoomKey {
	if tag.OwnerID == "" {
		return []realtime.RoomKey{realtime.GlobalRoom()}
	}
	return []realtime.RoomKey{realtime.UserRoom(tag.OwnerID)}
}

// bulkRooms unions the room sets of every item in the chunk.
func bulkRooms(items []realtime.TaskPayload) []realtime.RoomKey {
	seen := make(map[realtime.RoomKey]struct{})
	for _, item := range items {
		rooms, err := taskRooms(item)
		if err != nil {
			continue
		}
		for _, room := range rooms {
			seen[room] = struct{}{}
		}
	}
	union := make([]realtime.RoomKey, 0, len(seen))
	for room := range seen {
		union = append(union, room)
	}
	return union
}
