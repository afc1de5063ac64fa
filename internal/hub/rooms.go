package hub

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

const roomShardCount = 16

// Subscription is one (connection, room) binding with an optional filter
// predicate evaluated against event payloads at delivery time.
type Subscription struct {
	ConnectionID string
	Room         realtime.RoomKey
	Filters      map[string]string
}

// Matches evaluates the filter predicate against the payload. An empty filter
// set matches everything; a filter matches when the named payload field (top
// level, or nested under "fields") equals the expected value.
func (s Subscription) Matches(payload json.RawMessage) bool {
	if len(s.Filters) == 0 {
		return true
	}
	if len(payload) == 0 {
		return false
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return false
	}
	nested, _ := decoded["fields"].(map[string]any)
	for field, expected := range s.Filters {
		value, ok := decoded[field]
		if !ok && nested != nil {
			value, ok = nested[field]
		}
		if !ok || fmt.Sprint(value) != expected {
			return false
		}
	}
	return true
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[realtime.RoomKey]map[string]Subscription
}

// RoomIndex maps rooms to their subscribers. It is sharded by room key so
// concurrent handlers touching unrelated rooms never contend; the reverse
// (connection to rooms) index carries its own lock. A room with zero
// subscribers does not exist in the index at all.
type RoomIndex struct {
	shards [roomShardCount]*roomShard

	connMu sync.RWMutex
	byConn map[string]map[realtime.RoomKey]struct{}
}

// NewRoomIndex constructs an empty index.
func NewRoomIndex() *RoomIndex {
	index := &RoomIndex{byConn: make(map[string]map[realtime.RoomKey]struct{})}
	for i := range index.shards {
		index.shards[i] = &roomShard{rooms: make(map[realtime.RoomKey]map[string]Subscription)}
	}
	return index
}

func (x *RoomIndex) shardFor(room realtime.RoomKey) *roomShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(room.String())) //nolint:errcheck
	return x.shards[hasher.Sum32()%roomShardCount]
}

// Subscribe binds the connection to the room, replacing any previous filter
// set for the same pair.
func (x *RoomIndex) Subscribe(connectionID string, room realtime.RoomKey, filters map[string]string) {
	shard := x.shardFor(room)
	shard.mu.Lock()
	subscribers, ok := shard.rooms[room]
	if !ok {
		subscribers = make(map[string]Subscription)
		shard.rooms[room] = subscribers
	}
	subscribers[connectionID] = Subscription{ConnectionID: connectionID, Room: room, Filters: filters}
	shard.mu.Unlock()

	x.connMu.Lock()
	rooms, ok := x.byConn[connectionID]
	if !ok {
		rooms = make(map[realtime.RoomKey]struct{})
		x.byConn[connectionID] = rooms
	}
	rooms[room] = struct{}{}
	x.connMu.Unlock()
}

// Unsubscribe removes the binding. Empty rooms are deleted so no delivery
// work is ever attempted for them.
func (x *RoomIndex) Unsubscribe(connectionID string, room realtime.RoomKey) {
	shard := x.shardFor(room)
	shard.mu.Lock()
	if subscribers, ok := shard.rooms[room]; ok {
		delete(subscribers, connectionID)
		if len(subscribers) == 0 {
			delete(shard.rooms, room)
		}
	}
	shard.mu.Unlock()

	x.connMu.Lock()
	if rooms, ok := x.byConn[connectionID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(x.byConn, connectionID)
		}
	}
	x.connMu.Unlock()
}

// DropConnection removes every binding held by the connection and returns the
// rooms it was subscribed to.
func (x *RoomIndex) DropConnection(connectionID string) []realtime.RoomKey {
	x.connMu.Lock()
	rooms := x.byConn[connectionID]
	delete(x.byConn, connectionID)
	x.connMu.Unlock()

	dropped := make([]realtime.RoomKey, 0, len(rooms))
	for room := range rooms {
		shard := x.shardFor(room)
		shard.mu.Lock()
		if subscribers, ok := shard.rooms[room]; ok {
			delete(subscribers, connectionID)
			if len(subscribers) == 0 {
				delete(shard.rooms, room)
			}
		}
		shard.mu.Unlock()
		dropped = append(dropped, room)
	}
	return dropped
}

// Subscribers returns a snapshot of the room's subscriptions.
func (x *RoomIndex) Subscribers(room realtime.RoomKey) []Subscription {
	shard := x.shardFor(room)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	subscribers := shard.rooms[room]
	if len(subscribers) == 0 {
		return nil
	}
	snapshot := make([]Subscription, 0, len(subscribers))
	for _, subscription := range subscribers {
		snapshot = append(snapshot, subscription)
	}
	return snapshot
}

// RoomsOf returns the rooms the connection is currently subscribed to.
func (x *RoomIndex) RoomsOf(connectionID string) []realtime.RoomKey {
	x.connMu.RLock()
	defer x.connMu.RUnlock()
	rooms := x.byConn[connectionID]
	snapshot := make([]realtime.RoomKey, 0, len(rooms))
	for room := range rooms {
		snapshot = append(snapshot, room)
	}
	return snapshot
}

// RoomCount returns the number of rooms with at least one subscriber.
func (x *RoomIndex) RoomCount() int {
	total := 0
	for _, shard := range x.shards {
		shard.mu.RLock()
		total += len(shard.rooms)
		shard.mu.RUnlock()
	}
	return total
}
