package client

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

// SubscriptionState tracks where a room subscription is in its lifecycle.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionConfirmed
	SubscriptionFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionConfirmed:
		return "confirmed"
	case SubscriptionFailed:
		return "failed"
	default:
		return "pending"
	}
}

type subscriptionEntry struct {
	room     realtime.RoomKey
	filters  map[string]string
	state    SubscriptionState
	attempts int
}

// RegistryConfig configures the subscription registry.
type RegistryConfig struct {
	Session Session
	Logger  *zap.Logger

	// Backoff governs per-room retry after a subscription:error envelope.
	Backoff realtime.Backoff
	// AutoSubscribe queues Subscribe calls made while disconnected and
	// flushes them once the connection is up.
	AutoSubscribe bool
}

// Registry tracks room subscriptions across the connection's lifetime. It
// retries rejected subscriptions with backoff and replays every confirmed
// and pending room after each reconnect, so the set of rooms the caller
// asked for survives transport churn.
type Registry struct {
	session Session
	logger  *zap.Logger
	backoff realtime.Backoff
	auto    bool

	mu      sync.Mutex
	entries map[string]*subscriptionEntry
	timers  *realtime.TimerSet

	onFailed []func(realtime.SubscriptionError)
}

// NewRegistry constructs a registry wired to the manager's envelope stream
// and reconnect signal.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		session: cfg.Session,
		logger:  logger,
		backoff: cfg.Backoff,
		auto:    cfg.AutoSubscribe,
		entries: map[string]*subscriptionEntry{},
		timers:  realtime.NewTimerSet(),
	}
	if cfg.Session != nil {
		cfg.Session.OnEnvelope(registry.handleEnvelope)
		cfg.Session.OnConnected(registry.resubscribeAll)
		cfg.Session.OnReconnected(registry.resubscribeAll)
	}
	return registry
}

// OnSubscriptionFailed registers a handler for terminal subscription
// failures, fired after the retry budget for a room is spent.
func (r *Registry) OnSubscriptionFailed(handler func(realtime.SubscriptionError)) {
	r.mu.Lock()
	r.onFailed = append(r.onFailed, handler)
	r.mu.Unlock()
}

// Subscribe requests delivery for one room. While disconnected the request
// is queued when AutoSubscribe is set, otherwise it fails with
// NotConnectedError.
func (r *Registry) Subscribe(room realtime.RoomKey, filters map[string]string) error {
	if !room.Valid() {
		return &realtime.SubscriptionError{Room: room, Reason: "invalid room", Terminal: true}
	}
	r.mu.Lock()
	entry, exists := r.entries[room.String()]
	if exists && entry.state == SubscriptionConfirmed {
		r.mu.Unlock()
		return nil
	}
	r.entries[room.String()] = &subscriptionEntry{room: room, filters: filters}
	r.mu.Unlock()

	err := r.send(room, filters)
	if err != nil {
		var notConnected *realtime.NotConnectedError
		if r.auto && errors.As(err, &notConnected) {
			// Left pending; the connected signal flushes it.
			return nil
		}
		r.mu.Lock()
		delete(r.entries, room.String())
		r.mu.Unlock()
	}
	return err
}

// SubscribeMany subscribes a batch of rooms, returning the first error.
func (r *Registry) SubscribeMany(rooms []realtime.RoomKey) error {
	for _, room := range rooms {
		if err := r.Subscribe(room, nil); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe stops delivery for a room. The wire notification is best
// effort; local bookkeeping is dropped regardless.
func (r *Registry) Unsubscribe(room realtime.RoomKey) {
	r.mu.Lock()
	delete(r.entries, room.String())
	r.mu.Unlock()

	key := room
	if err := r.session.Send(realtime.ClientMessage{Type: realtime.MessageUnsubscribe, Room: &key}); err != nil {
		r.logger.Debug("unsubscribe not delivered", zap.String("room", room.String()), zap.Error(err))
	}
}

// State reports the lifecycle state for a room, with false when the room was
// never subscribed.
func (r *Registry) State(room realtime.RoomKey) (SubscriptionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[room.String()]
	if !ok {
		return SubscriptionPending, false
	}
	return entry.state, true
}

// Rooms returns every room currently tracked, confirmed or pending.
func (r *Registry) Rooms() []realtime.RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]realtime.RoomKey, 0, len(r.entries))
	for _, entry := range r.entries {
		rooms = append(rooms, entry.room)
	}
	return rooms
}

// Close cancels all pending retry timers.
func (r *Registry) Close() {
	r.timers.StopAll()
}

func (r *Registry) send(room realtime.RoomKey, filters map[string]string) error {
	key := room
	return r.session.Send(realtime.ClientMessage{
		Type:    realtime.MessageSubscribe,
		Room:    &key,
		Filters: filters,
	})
}

// resubscribeAll replays every tracked room over the fresh connection. Rooms
// return to pending until the server confirms them again.
func (r *Registry) resubscribeAll() {
	r.mu.Lock()
	pending := make([]*subscriptionEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entry.state = SubscriptionPending
		entry.attempts = 0
		pending = append(pending, entry)
	}
	r.mu.Unlock()

	for _, entry := range pending {
		if err := r.send(entry.room, entry.filters); err != nil {
			r.logger.Warn("resubscribe failed",
				zap.String("room", entry.room.String()), zap.Error(err))
		}
	}
}

func (r *Registry) handleEnvelope(envelope realtime.Envelope) {
	switch envelope.Kind {
	case realtime.EventSubscriptionConfirmed:
		var result realtime.SubscriptionResult
		if err := json.Unmarshal(envelope.Payload, &result); err != nil {
			return
		}
		r.mu.Lock()
		if entry, ok := r.entries[result.Room.String()]; ok {
			entry.state = SubscriptionConfirmed
			entry.attempts = 0
		}
		r.mu.Unlock()
	case realtime.EventSubscriptionError:
		var result realtime.SubscriptionResult
		if err := json.Unmarshal(envelope.Payload, &result); err != nil {
			return
		}
		r.retry(result)
	}
}

// retry schedules another attempt for a rejected room, or surfaces a
// terminal error once the budget is spent.
func (r *Registry) retry(result realtime.SubscriptionResult) {
	r.mu.Lock()
	entry, ok := r.entries[result.Room.String()]
	if !ok {
		r.mu.Unlock()
		return
	}
	if r.backoff.Exhausted(entry.attempts) {
		entry.state = SubscriptionFailed
		failure := realtime.SubscriptionError{
			Room:     entry.room,
			Reason:   result.Reason,
			Attempts: entry.attempts,
			Terminal: true,
		}
		handlers := append([]func(realtime.SubscriptionError){}, r.onFailed...)
		r.mu.Unlock()
		r.logger.Warn("subscription failed permanently",
			zap.String("room", failure.Room.String()),
			zap.String("reason", failure.Reason),
			zap.Int("attempts", failure.Attempts))
		for _, handler := range handlers {
			handler(failure)
		}
		return
	}
	entry.attempts++
	attempt := entry.attempts
	room := entry.room
	filters := entry.filters
	r.mu.Unlock()

	delay := r.backoff.Delay(attempt)
	r.logger.Info("retrying subscription",
		zap.String("room", room.String()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	r.timers.Schedule(delay, func() {
		r.mu.Lock()
		current, still := r.entries[room.String()]
		active := still && current.state == SubscriptionPending
		r.mu.Unlock()
		if !active {
			return
		}
		if err := r.send(room, filters); err != nil {
			r.logger.Warn("subscription retry failed",
				zap.String("room", room.String()), zap.Error(err))
		}
	})
}
