package client

import (
	"encoding/json"
	"sync"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

// Collection names used by the store for domain events.
const (
	CollectionTasks = "tasks"
	CollectionTags  = "tags"
)

// Store holds the client's reconciled view of server state, one item
// collection per entity kind. Apply dispatches each envelope kind exactly
// once; reconciliation failures are reported through the error callback and
// leave the previous state untouched.
type Store struct {
	mu          sync.Mutex
	collections map[string][]Item
	logger      *zap.Logger
	onError     func(error)
}

// StoreConfig configures the synchronizer state store.
type StoreConfig struct {
	Logger *zap.Logger
	// OnError receives reconciliation failures. Optional; failures are
	// always logged.
	OnError func(error)
}

// NewStore constructs an empty store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		collections: make(map[string][]Item),
		logger:      logger,
		onError:     cfg.OnError,
	}
}

// Apply reconciles one broadcast envelope into local state. Presence,
// subscription, and connection control envelopes are not state-bearing and
// pass through untouched.
func (s *Store) Apply(envelope realtime.Envelope) {
	switch envelope.Kind {
	case realtime.EventTaskCreated, realtime.EventTaskUpdated:
		s.applyItems(CollectionTasks, StrategyUpsert, envelope.Payload, false)
	case realtime.EventTaskDeleted:
		s.applyItems(CollectionTasks, StrategyRemove, envelope.Payload, false)
	case realtime.EventTagCreated, realtime.EventTagUpdated:
		s.applyItems(CollectionTags, StrategyUpsert, envelope.Payload, false)
	case realtime.EventTagDeleted:
		s.applyItems(CollectionTags, StrategyRemove, envelope.Payload, false)
	case realtime.EventBulkUpdate:
		s.applyItems(CollectionTasks, StrategyUpsert, envelope.Payload, true)
	case realtime.EventBulkDelete:
		s.applyItems(CollectionTasks, StrategyRemove, envelope.Payload, true)
	case realtime.EventRoomData:
		s.applyRoomData(envelope.Payload)
	case realtime.EventPresenceJoined, realtime.EventPresenceLeft,
		realtime.EventPresenceUpdated, realtime.EventPresenceInitialState,
		realtime.EventPresenceSync, realtime.EventPresenceHeartbeat,
		realtime.EventSubscriptionConfirmed, realtime.EventSubscriptionError,
		realtime.EventRoomMemberJoined, realtime.EventRoomMemberLeft,
		realtime.EventConnected, realtime.EventRateLimited, realtime.EventDisconnected:
		// Not state-bearing: handled by the presence tracker and registry.
	}
}

func (s *Store) applyItems(collection string, strategy Strategy, payload json.RawMessage, bulk bool) {
	items, err := decodeItems(payload, bulk)
	if err != nil {
		s.fail(&realtime.ReconciliationError{Strategy: string(strategy), Reason: err.Error()})
		return
	}
	s.reconcile(collection, strategy, items)
}

func (s *Store) applyRoomData(payload json.RawMessage) {
	var data realtime.RoomDataPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		s.fail(&realtime.ReconciliationError{Strategy: "room_data", Reason: err.Error()})
		return
	}
	if data.Collection == "" {
		s.fail(&realtime.ReconciliationError{Strategy: data.Strategy, Reason: "room data without collection"})
		return
	}
	items := make([]Item, 0, len(data.Items))
	for _, raw := range data.Items {
		items = append(items, Item(raw))
	}
	s.reconcile(data.Collection, Strategy(data.Strategy), items)
}

func (s *Store) reconcile(collection string, strategy Strategy, items []Item) {
	s.mu.Lock()
	next, err := Reconcile(s.collections[collection], items, strategy)
	if err == nil {
		s.collections[collection] = next
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(err)
	}
}

// Items returns a snapshot of one collection.
func (s *Store) Items(collection string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.collections[collection])
}

// Get returns the item with the given identity from a collection.
func (s *Store) Get(collection, id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.collections[collection] {
		if itemID, ok := item.ID(); ok && itemID == id {
			return item.clone(), true
		}
	}
	return nil, false
}

func (s *Store) fail(err error) {
	s.logger.Warn("reconciliation failed, keeping prior state", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}

// decodeItems extracts the item (or item array, for bulk envelopes) from a
// domain payload. The previous-revision hint on update payloads is not part
// of reconciled state and is stripped.
func decodeItems(payload json.RawMessage, bulk bool) ([]Item, error) {
	if bulk {
		var decoded struct {
			Items []map[string]any `json:"items"`
		}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(decoded.Items))
		for _, raw := range decoded.Items {
			items = append(items, Item(raw))
		}
		return items, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	delete(raw, "previous")
	return []Item{Item(raw)}, nil
}
